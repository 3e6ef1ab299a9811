package logging

import "sync"

// Entry is one line captured by a Recorder.
type Entry struct {
	Level  string
	Msg    string
	Fields LogFields
	Err    error
}

// Code returns the diagnostic code attached to the entry, or 0.
func (e Entry) Code() Code {
	if v, ok := e.Fields["code"].(int); ok {
		return Code(v)
	}
	return 0
}

// Recorder is a ServiceLogger that keeps every line in memory. Children
// created through With share the parent's buffer.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  LogFields
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

func (r *Recorder) With(fields LogFields) ServiceLogger {
	return &Recorder{mu: r.mu, entries: r.entries, fields: r.merge(fields)}
}

func (r *Recorder) Debug(msg string, fields LogFields) { r.record("debug", msg, nil, fields) }
func (r *Recorder) Info(msg string, fields LogFields)  { r.record("info", msg, nil, fields) }
func (r *Recorder) Trace(msg string, fields LogFields) { r.record("trace", msg, nil, fields) }

func (r *Recorder) Error(msg string, err error, fields LogFields) {
	r.record("error", msg, err, fields)
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(*r.entries))
	copy(out, *r.entries)
	return out
}

// HasCode reports whether any recorded line carries code.
func (r *Recorder) HasCode(code Code) bool {
	return r.CountCode(code) > 0
}

// CountCode counts the recorded lines carrying code.
func (r *Recorder) CountCode(code Code) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Code() == code {
			n++
		}
	}
	return n
}

func (r *Recorder) merge(fields LogFields) LogFields {
	if len(r.fields) == 0 && len(fields) == 0 {
		return nil
	}
	out := make(LogFields, len(r.fields)+len(fields))
	for k, v := range r.fields {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (r *Recorder) record(level, msg string, err error, fields LogFields) {
	entry := Entry{Level: level, Msg: msg, Fields: r.merge(fields), Err: err}
	r.mu.Lock()
	*r.entries = append(*r.entries, entry)
	r.mu.Unlock()
}
