// Package drivers imports all built-in broker drivers for auto-registration.
// Import this package to have every driver registered with the default registry.
package drivers

import (
	// Import all drivers for side-effect registration
	_ "github.com/drblury/nodebus/broker/kafka"
	_ "github.com/drblury/nodebus/broker/memory"
	_ "github.com/drblury/nodebus/broker/nats"
	_ "github.com/drblury/nodebus/broker/rabbitmq"
)
