package tasks

import (
	"github.com/hibiken/asynq"

	"github.com/Vector/docbatch/filetask"
)

// Task types
const (
	TypeConvertFile    = "convert:file"
	TypeHealthCheck    = "health:check"
	TypeConnectionTest = "connection:test"
)

// NewConvertTask wraps the conversion of one file into an asynq task.
func NewConvertTask(p filetask.Payload) (*asynq.Task, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	data, err := p.Marshal()
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(TypeConvertFile, data), nil
}
