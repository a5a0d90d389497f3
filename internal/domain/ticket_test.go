package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := [][2]TicketStatus{
		{StatusWaiting, StatusConsulting},
		{StatusWaiting, StatusCancelled},
		{StatusWaiting, StatusExpired},
		{StatusConsulting, StatusCompleted},
		{StatusConsulting, StatusCancelled},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]TicketStatus{
		{StatusWaiting, StatusCompleted},
		{StatusConsulting, StatusWaiting},
		{StatusConsulting, StatusExpired},
		{StatusCompleted, StatusCancelled},
		{StatusCancelled, StatusWaiting},
		{StatusExpired, StatusWaiting},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestQueueLess(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	high := &Ticket{TicketID: 3, Priority: PriorityHigh, CreatedAt: t0.Add(2 * time.Second)}
	early := &Ticket{TicketID: 1, Priority: PriorityMedium, CreatedAt: t0}
	late := &Ticket{TicketID: 2, Priority: PriorityMedium, CreatedAt: t0.Add(time.Second)}
	tie := &Ticket{TicketID: 4, Priority: PriorityMedium, CreatedAt: t0}

	assert.True(t, QueueLess(high, early))
	assert.True(t, QueueLess(early, late))
	assert.True(t, QueueLess(early, tie))
	assert.False(t, QueueLess(tie, early))
}

func TestEstimatedWait(t *testing.T) {
	assert.Equal(t, 0, EstimatedWait(1, 600))
	assert.Equal(t, 600, EstimatedWait(2, 600))
	assert.Equal(t, 1200, EstimatedWait(3, 600))
	assert.Equal(t, 0, EstimatedWait(0, 600))
}

func TestTicketNumber(t *testing.T) {
	day := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, "T2026101700701", TicketNumber(day, 7, 1))
	assert.Equal(t, "T2026101712312", TicketNumber(day, 123, 12))
}

func TestPriorityText(t *testing.T) {
	var p Priority
	require.NoError(t, json.Unmarshal([]byte(`"high"`), &p))
	assert.Equal(t, PriorityHigh, p)

	b, err := json.Marshal(PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, `"low"`, string(b))

	_, err = ParsePriority("urgent")
	assert.Error(t, err)

	v, err := ParsePriority("2")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, v)
}

func TestTicketCloneDoesNotAlias(t *testing.T) {
	orig := &Ticket{TicketID: 1, PositionInQueue: IntPtr(3), Notes: StringPtr("x")}
	c := orig.Clone()
	*c.PositionInQueue = 9
	*c.Notes = "y"
	assert.Equal(t, 3, *orig.PositionInQueue)
	assert.Equal(t, "x", *orig.Notes)
}
