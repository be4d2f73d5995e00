// Package cmdsource implements the Command Source (spec §4.H): polls
// recipe_commands for rows addressed to this machine (or unaddressed),
// claims each one with a conditional update, and dispatches start_recipe
// to the Recipe Executor and stop_recipe to whatever recipe that
// executor currently has in flight.
//
// The parameter_control_commands table has its own poller
// (internal/paramctl) since its claim/verify/complete cycle is entirely
// self-contained per row; this package owns only the recipe_commands
// side of the two conceptually independent pollers the spec describes.
//
// Grounded on the teacher's TTL-bounded polling loop
// (internal/gossip/quorum.go's pruneLoop: a ticker driving a bounded
// unit of work, with all shared state behind one mutex) adapted from an
// in-memory prune to a store poll-and-claim.
package cmdsource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/config"
	"github.com/ald-control/ald-control-plane/internal/observability"
	"github.com/ald-control/ald-control-plane/internal/store"
)

// recipeRunner is the slice of *recipe.Executor the source dispatches to.
type recipeRunner interface {
	Run(ctx context.Context, processID string, steps []store.RecipeStepRow) string
}

// commandStore is the slice of *store.Store this package needs.
type commandStore interface {
	PollRecipeCommands(ctx context.Context, machineID string) ([]store.RecipeCommandRow, error)
	ClaimRecipeCommand(ctx context.Context, id string, at time.Time) (bool, error)
	CompleteRecipeCommand(ctx context.Context, id string, status string, errMsg *string, at time.Time) error
	CreateProcessExecution(ctx context.Context, machineID, recipeID string, recipeVersion int, start time.Time) (string, error)
	GetRecipe(ctx context.Context, recipeID string) (store.RecipeRow, error)
	GetRecipeSteps(ctx context.Context, recipeID string) ([]store.RecipeStepRow, error)
}

// Source polls recipe_commands and dispatches start/stop to the executor.
type Source struct {
	st        commandStore
	runner    recipeRunner
	log       *zap.Logger
	metric    *observability.Metrics
	machineID string
	cfg       config.CmdSourceConfig

	mu         sync.Mutex
	runCancel  context.CancelFunc
	runProcess string

	stopCh chan struct{}
	done   chan struct{}
}

// New constructs a Source.
func New(st commandStore, runner recipeRunner, log *zap.Logger, metric *observability.Metrics, machineID string, cfg config.CmdSourceConfig) *Source {
	return &Source{
		st: st, runner: runner, log: log, metric: metric, machineID: machineID, cfg: cfg,
		stopCh: make(chan struct{}), done: make(chan struct{}),
	}
}

// Start launches the poll loop in a background goroutine.
func (c *Source) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop cancels the poll loop cooperatively, waits for it to exit, and
// cancels any in-flight recipe (mirrors what an explicit stop_recipe
// command would do).
func (c *Source) Stop() {
	close(c.stopCh)
	<-c.done
	c.mu.Lock()
	if c.runCancel != nil {
		c.runCancel()
	}
	c.mu.Unlock()
}

func (c *Source) run(ctx context.Context) {
	defer close(c.done)

	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

// pollOnce fetches unclaimed rows and dispatches each in the arrival
// order the store already returns (oldest created_at first, §4.H FIFO).
func (c *Source) pollOnce(ctx context.Context) {
	rows, err := c.st.PollRecipeCommands(ctx, c.machineID)
	if err != nil {
		c.log.Error("command source: poll failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		c.dispatch(ctx, row)
	}
}

func (c *Source) dispatch(ctx context.Context, row store.RecipeCommandRow) {
	claimed, err := c.st.ClaimRecipeCommand(ctx, row.ID, time.Now())
	if err != nil {
		c.log.Error("command source: claim failed", zap.Error(err))
		return
	}
	if !claimed {
		// lost the race, or this row was already claimed in a prior
		// crash-restart cycle (§4.H idempotence); either way skip it
		return
	}
	if c.metric != nil {
		c.metric.CmdsClaimedTotal.Inc()
	}

	switch row.Type {
	case "start_recipe":
		c.startRecipe(ctx, row)
	case "stop_recipe":
		c.stopRecipe(ctx, row)
	default:
		msg := fmt.Sprintf("unknown recipe_commands type %q", row.Type)
		c.complete(ctx, row.ID, "failed", &msg)
	}
}

func (c *Source) startRecipe(ctx context.Context, row store.RecipeCommandRow) {
	recipeID, ok := stringParam(row.Parameters, "recipe_id")
	if !ok {
		msg := "start_recipe command missing recipe_id parameter"
		c.complete(ctx, row.ID, "failed", &msg)
		return
	}

	recipe, err := c.st.GetRecipe(ctx, recipeID)
	if err != nil {
		msg := err.Error()
		c.complete(ctx, row.ID, "failed", &msg)
		return
	}
	steps, err := c.st.GetRecipeSteps(ctx, recipeID)
	if err != nil {
		msg := err.Error()
		c.complete(ctx, row.ID, "failed", &msg)
		return
	}
	processID, err := c.st.CreateProcessExecution(ctx, c.machineID, recipeID, recipe.Version, time.Now())
	if err != nil {
		msg := err.Error()
		c.complete(ctx, row.ID, "failed", &msg)
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.runCancel != nil {
		// a previous run is still marked active; this shouldn't happen
		// under normal dispatch (one machine runs one recipe at a time)
		// but if it does, let the new one proceed rather than silently
		// drop the command, and abandon tracking of the old cancel func.
		c.log.Warn("command source: starting a recipe while another is still tracked as running",
			zap.String("new_process_id", processID), zap.String("prior_process_id", c.runProcess))
	}
	c.runCancel = cancel
	c.runProcess = processID
	c.mu.Unlock()

	go func() {
		status := c.runner.Run(runCtx, processID, steps)

		c.mu.Lock()
		if c.runProcess == processID {
			c.runCancel = nil
			c.runProcess = ""
		}
		c.mu.Unlock()

		c.complete(context.Background(), row.ID, status, nil)
	}()
}

// stopRecipe cancels whatever recipe is currently tracked as running.
// If none is running (e.g. it already finished), the stop command still
// completes successfully: there is nothing left to stop.
func (c *Source) stopRecipe(ctx context.Context, row store.RecipeCommandRow) {
	c.mu.Lock()
	cancel := c.runCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.complete(ctx, row.ID, "completed", nil)
}

func (c *Source) complete(ctx context.Context, id, status string, errMsg *string) {
	if err := c.st.CompleteRecipeCommand(ctx, id, status, errMsg, time.Now()); err != nil {
		c.log.Error("command source: failed to close command row", zap.Error(err))
	}
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key].(string)
	return v, ok
}
