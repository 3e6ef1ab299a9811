package logging

// Code tags a diagnostic line. The numbering is informational only; callers
// may rely on a line being emitted but not on its wording.
type Code int

const (
	CodeControllerStartup   Code = 1005
	CodeServiceConfigured   Code = 1100
	CodeServiceConfigFailed Code = 1102
	CodeWorkerFault         Code = 1110
	CodeWorkerEnded         Code = 1120
	CodeStopFault           Code = 1121
	CodeUnknownRoute        Code = 1128
	CodeDrainStopped        Code = 1420
	CodePublishFailed       Code = 1430
	CodeNoRouteKey          Code = 1440
	CodeRoutingFailed       Code = 1450
	CodeChannelFailed       Code = 1460
	CodeControllerFault     Code = 2010
	CodeConfigureFailed     Code = 2200
	CodeShutdownComplete    Code = 4200
	CodeShutdownTimeout     Code = 4210
	CodeWorkerRestarted     Code = 4320

	CodeSchedulePublished Code = 3001
	CodeSchedulerStarted  Code = 3010
	CodeScheduleStored    Code = 3020
	CodeSchedulerStopped  Code = 3030
)

// Fields returns the standard code/node pair merged with extra.
func (c Code) Fields(node string, extra LogFields) LogFields {
	fields := make(LogFields, len(extra)+2)
	for k, v := range extra {
		fields[k] = v
	}
	fields["code"] = int(c)
	if node != "" {
		fields["node"] = node
	}
	return fields
}
