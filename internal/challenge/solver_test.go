package challenge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/provisioner/internal/browser"
	"github.com/nhle/provisioner/internal/browser/browsertest"
	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/pace"
)

const (
	widget   browser.Locator = "#challenge >>> input"
	password browser.Locator = "input[name=password]"
	codePage browser.Locator = "input[data-index='0']"
)

var interval = pace.Range{Min: time.Second, Max: 2 * time.Second}

func newSolver(page *browsertest.Page, ev *browsertest.Evidence, rec *pace.Recorder) *Solver {
	opts := DefaultOptions(widget, []Signal{
		{Name: "password_page", Locator: password},
		{Name: "code_page", Locator: codePage},
	})
	return NewSolver(page, opts, pace.NewFixed(1, rec.Sleep), ev, logging.Nop())
}

func TestSolve_DetectsSignalWithoutClicking(t *testing.T) {
	page := browsertest.NewPage()
	page.OnFind = func(loc browser.Locator, _ int) (bool, error) {
		switch loc {
		case widget:
			return false, nil
		case password:
			// The page moves on by itself once two widget lookups have failed.
			return page.FindCount(widget) >= 2, nil
		}
		return false, nil
	}
	rec := &pace.Recorder{}
	solver := newSolver(page, &browsertest.Evidence{}, rec)

	res, err := solver.Solve(context.Background(), 5, interval)
	require.NoError(t, err)

	assert.True(t, res.Solved())
	assert.Equal(t, "password_page", res.Signal)
	assert.Equal(t, 2, page.FindCount(widget))
	assert.Zero(t, page.Element(widget).Clicks)
	assert.Equal(t, 1, rec.Total(), "one inter-attempt sleep between attempt 1 and 2")
}

func TestSolve_ClicksWidgetThenDetects(t *testing.T) {
	page := browsertest.NewPage()
	page.Set(widget, true)
	page.OnClick = func(loc browser.Locator) {
		if loc == widget {
			page.Set(codePage, true)
		}
	}
	ev := &browsertest.Evidence{}
	rec := &pace.Recorder{}
	solver := newSolver(page, ev, rec)

	res, err := solver.Solve(context.Background(), 3, interval)
	require.NoError(t, err)

	assert.True(t, res.Solved())
	assert.Equal(t, "code_page", res.Signal)
	assert.Equal(t, 1, page.Element(widget).Clicks)
	require.Len(t, rec.Sleeps, 2)
	assert.GreaterOrEqual(t, rec.Sleeps[0], time.Second)
	assert.LessOrEqual(t, rec.Sleeps[0], 3*time.Second)
	assert.Equal(t, 2*time.Second, rec.Sleeps[1])
	assert.Equal(t, []string{"start", "clicked", "success"}, ev.Stages)
}

func TestSolve_SignalsAreOrdered(t *testing.T) {
	page := browsertest.NewPage()
	page.Set(password, true)
	page.Set(codePage, true)
	solver := newSolver(page, &browsertest.Evidence{}, &pace.Recorder{})

	sig, ok, err := solver.Detect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "password_page", sig.Name)
}

func TestSolve_ExhaustionIsNotAnError(t *testing.T) {
	page := browsertest.NewPage()
	ev := &browsertest.Evidence{}
	rec := &pace.Recorder{}
	solver := newSolver(page, ev, rec)

	res, err := solver.Solve(context.Background(), 3, interval)
	require.NoError(t, err)

	assert.False(t, res.Solved())
	assert.Equal(t, Failed, res.Status)
	assert.Equal(t, 3, page.FindCount(widget))
	assert.Equal(t, 2, rec.Total())
	for _, d := range rec.Sleeps {
		assert.GreaterOrEqual(t, d, interval.Min)
		assert.LessOrEqual(t, d, interval.Max)
	}
	assert.Equal(t, []string{"start", "failed"}, ev.Stages)
}

func TestSolve_DriverFaultEscalates(t *testing.T) {
	fault := errors.New("devtools target crashed")
	page := browsertest.NewPage()
	page.OnFind = func(loc browser.Locator, _ int) (bool, error) {
		if loc == widget {
			return false, fault
		}
		return false, nil
	}
	ev := &browsertest.Evidence{}
	solver := newSolver(page, ev, &pace.Recorder{})

	res, err := solver.Solve(context.Background(), 3, interval)
	require.Error(t, err)

	assert.True(t, IsError(err))
	assert.ErrorIs(t, err, fault)
	assert.Equal(t, Failed, res.Status)
	assert.Equal(t, []string{"start", "error"}, ev.Stages)
}

func TestSolve_ClickFaultEscalates(t *testing.T) {
	page := browsertest.NewPage()
	page.Set(widget, true)
	page.Element(widget).ClickErr = errors.New("node detached")
	solver := newSolver(page, &browsertest.Evidence{}, &pace.Recorder{})

	_, err := solver.Solve(context.Background(), 2, interval)
	require.Error(t, err)

	var chErr *Error
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, 1, chErr.Attempt)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "solved", Solved.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "not_yet_solved", NotYetSolved.String())
}
