// Package app composes the raffle daemon.
//
//	internal/app/
//	├── application.go   # wiring and lifecycle
//	├── domain/raffle/   # data model
//	├── services/        # raffle, vrf, bank, automation
//	├── storage/         # store interfaces, memory and postgres
//	├── events/          # notifications and sinks
//	├── metrics/         # prometheus collectors
//	├── system/          # service lifecycle manager
//	└── httpapi/         # HTTP API
//
// Dependencies point downwards: cmd/raffled builds stores and sinks, app wires
// services, and httpapi only talks to the Application.
package app
