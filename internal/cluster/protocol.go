package cluster

// Protocol kinds. Each maps to its own topic.
var (
	KindRegister             = Kind{Name: "register", Category: CategoryDurable}
	KindRegisterConfirmation = Kind{Name: "register-confirmation", Category: CategoryDurable}

	KindNewSubscription              = Kind{Name: "new-subscription", Category: CategorySystem}
	KindUnsubscribe                  = Kind{Name: "unsubscribe", Category: CategorySystem}
	KindExistingSubscriptionsRequest = Kind{Name: "existing-subscriptions-request", Category: CategorySystem}
	KindExistingSubscriptions        = Kind{Name: "existing-subscriptions", Category: CategorySystem}
	KindPrivilegedRequest            = Kind{Name: "privileged-subscription-request", Category: CategorySystem}
	KindPrivilegedResponse           = Kind{Name: "privileged-subscription-response", Category: CategorySystem}
	KindHeartbeat                    = Kind{Name: "heartbeat", Category: CategorySystem}
	KindClosing                      = Kind{Name: "closing", Category: CategorySystem}
	KindShutdownMaster               = Kind{Name: "shutdown-master", Category: CategorySystem}
	KindRequestIgnored               = Kind{Name: "request-ignored", Category: CategorySystem}
	KindExecutionStatus              = Kind{Name: "execution-status", Category: CategorySystem}
)

// RegisterPayload announces a replica to the master.
type RegisterPayload struct {
	Identity NodeID `json:"identity"`
	Nonce    string `json:"nonce"`
}

// ConfirmationPayload is the master's answer to a RegisterPayload.
type ConfirmationPayload struct {
	Identity NodeID `json:"identity"`
	Nonce    string `json:"nonce"`
	Granted  bool   `json:"granted"`
}

// SubscriptionPayload reports a subscribe or unsubscribe event.
type SubscriptionPayload struct {
	Subscriber NodeID `json:"subscriber"`
	Kind       Kind   `json:"kind"`
}

// DirectoryPayload is a full copy of the subscription directory keyed by
// kind name.
type DirectoryPayload struct {
	Subscribers map[string][]NodeID `json:"subscribers"`
	Privileged  map[string]NodeID   `json:"privileged,omitempty"`
}

// PrivilegedPayload requests or answers an exclusive subscription.
type PrivilegedPayload struct {
	Kind    Kind `json:"kind"`
	Granted bool `json:"granted"`
}

// ClosingPayload announces that a node is going away.
type ClosingPayload struct {
	Identity NodeID `json:"identity"`
	Role     Role   `json:"role"`
}

// HeartbeatPayload is broadcast by the master at a fixed period.
type HeartbeatPayload struct {
	Master NodeID `json:"master"`
	Beat   uint64 `json:"beat"`
}

// ExecutionState is the lifecycle status a responder reports for an
// execution request.
type ExecutionState string

const (
	ExecutionStart   ExecutionState = "start"
	ExecutionSuccess ExecutionState = "success"
	ExecutionError   ExecutionState = "error"
	ExecutionIgnored ExecutionState = "ignored"
)

// Accepted reports whether the state means a responder took the request.
func (s ExecutionState) Accepted() bool {
	return s == ExecutionStart || s == ExecutionSuccess || s == ExecutionError
}

// ExecutionStatus is the payload of an execution status message.
type ExecutionStatus struct {
	State  ExecutionState `json:"state"`
	Detail string         `json:"detail,omitempty"`
}
