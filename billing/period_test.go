package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriod_Validate(t *testing.T) {
	assert.NoError(t, Period{From: Date(2025, 3, 1), To: Date(2025, 3, 2)}.Validate())
	assert.ErrorIs(t, Period{From: Date(2025, 3, 2), To: Date(2025, 3, 2)}.Validate(), ErrInvalidPeriod)
	assert.ErrorIs(t, Period{From: Date(2025, 3, 1).Add(time.Hour), To: Date(2025, 3, 2)}.Validate(), ErrInvalidPeriod)
	assert.ErrorIs(t, Period{To: Date(2025, 3, 2)}.Validate(), ErrInvalidPeriod)
}

func TestPeriod_HalfOpen(t *testing.T) {
	p := Period{From: Date(2025, 3, 1), To: Date(2025, 3, 11)}
	assert.True(t, p.Contains(Date(2025, 3, 1)))
	assert.False(t, p.Contains(Date(2025, 3, 11)))
	assert.Equal(t, 10, p.DayCount())
	assert.Len(t, p.Days(), 10)
	assert.Equal(t, "864000", p.Seconds().String())
}

func TestPeriod_SplitMonthly(t *testing.T) {
	p := Period{From: Date(2025, 1, 20), To: Date(2025, 3, 5)}
	got := p.Split(CycleMonthly)
	require.Len(t, got, 3)
	assert.Equal(t, Period{From: Date(2025, 1, 20), To: Date(2025, 2, 1)}, got[0])
	assert.Equal(t, Period{From: Date(2025, 2, 1), To: Date(2025, 3, 1)}, got[1])
	assert.Equal(t, Period{From: Date(2025, 3, 1), To: Date(2025, 3, 5)}, got[2])
	assert.Equal(t, p, Span(got))
}

func TestPeriod_SplitWeekly(t *testing.T) {
	// 2025-03-05 is a Wednesday
	p := Period{From: Date(2025, 3, 5), To: Date(2025, 3, 18)}
	got := p.Split(CycleWeekly)
	require.Len(t, got, 3)
	assert.Equal(t, Date(2025, 3, 10), got[0].To)
	assert.Equal(t, Date(2025, 3, 17), got[1].To)
	assert.Equal(t, Date(2025, 3, 18), got[2].To)
}

func TestPeriod_SplitWholeAndIntersect(t *testing.T) {
	p := Period{From: Date(2025, 3, 1), To: Date(2025, 4, 1)}
	assert.Equal(t, []Period{p}, p.Split(CycleWhole))

	clipped, ok := p.Intersect(Period{From: Date(2025, 3, 15), To: Date(2025, 6, 1)})
	require.True(t, ok)
	assert.Equal(t, Date(2025, 3, 15), clipped.From)

	_, ok = p.Intersect(Period{From: Date(2025, 4, 1), To: Date(2025, 5, 1)})
	assert.False(t, ok)
}
