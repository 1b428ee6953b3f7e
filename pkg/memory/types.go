package memory

type Kind string

const (
	KindDay   Kind = "day"
	KindMonth Kind = "month"
	KindYear  Kind = "year"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDay, KindMonth, KindYear:
		return true
	}
	return false
}

// ShortTermMemory is a statement an actor recorded about a period of time,
// with references to the messages it summarizes.
type ShortTermMemory struct {
	ID        int64   `json:"id"`
	Kind      Kind    `json:"kind"`
	ActorID   int64   `json:"actorId"`
	OS        string  `json:"os"`
	Statement string  `json:"statement"`
	CreatedAt int64   `json:"createdAt"` // unix milliseconds
	Messages  []int64 `json:"messages"`
}

// Filter narrows List. Nil fields match everything.
type Filter struct {
	ActorID       *int64
	CreatedBefore *int64
	CreatedAfter  *int64
}

// Int64 returns a pointer to v, for building filters.
func Int64(v int64) *int64 {
	return &v
}
