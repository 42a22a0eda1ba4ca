package eventbus

// PlanEvent is the payload of mandate.* and plan.* events.
type PlanEvent struct {
	MandateID string `json:"mandate_id"`
	PlanID    string `json:"plan_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// TaskEvent is the payload of task.* events published by the task engine.
type TaskEvent struct {
	TaskID  string `json:"task_id"`
	Name    string `json:"name"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}
