package domain

// allowedTransitions 合法状态迁移（DAG）
var allowedTransitions = map[TicketStatus][]TicketStatus{
	StatusWaiting:    {StatusConsulting, StatusCancelled, StatusExpired},
	StatusConsulting: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal ticket transition.
func CanTransition(from, to TicketStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
