package store

import (
	"context"

	"github.com/rendis/stateflow/pkg/schema"
)

// Store defines the persistence contract the engine and scheduler depend on.
// All implementations must be safe for concurrent use.
//
// The core never deletes definitions or instances; retention is the storage
// implementation's concern.
type Store interface {
	// Definitions
	CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	UpdateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	ListEventDrivenDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error)

	// Instances
	CreateInstance(ctx context.Context, inst *schema.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, inst *schema.WorkflowInstance) error
	ListInstancesByDefinition(ctx context.Context, definitionID string) ([]*schema.WorkflowInstance, error)

	// Audit events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, instanceID string, filter EventFilter) ([]*Event, error)

	// Schedule entries
	CreateScheduleEvent(ctx context.Context, ev *ScheduleEvent) error
	DeleteScheduleEvent(ctx context.Context, id string) error
	ListScheduleEvents(ctx context.Context) ([]*ScheduleEvent, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
