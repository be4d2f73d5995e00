package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CreateProcessExecution inserts a new process_executions row when a
// start_recipe command is accepted (§3), returning its generated id.
func (s *Store) CreateProcessExecution(ctx context.Context, machineID, recipeID string, recipeVersion int, start time.Time) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO process_executions (machine_id, recipe_id, recipe_version_snapshot, start_time, status)
		VALUES ($1, $2, $3, $4, 'running')
		RETURNING id
	`, machineID, recipeID, recipeVersion, start).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("store: create process execution: %w", err)
	}
	return id, nil
}

// CompleteProcessExecution closes out a process_executions row with a
// terminal status: completed, failed, or aborted.
func (s *Store) CompleteProcessExecution(ctx context.Context, id, status string, end time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE process_executions SET status = $2, end_time = $3 WHERE id = $1
	`, id, status, end)
	if err != nil {
		return fmt.Errorf("store: complete process execution: %w", err)
	}
	return nil
}

// GetRecipe reads a recipe's identity (read-only, §6).
func (s *Store) GetRecipe(ctx context.Context, recipeID string) (RecipeRow, error) {
	var r RecipeRow
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, version FROM recipes WHERE id = $1
	`, recipeID).Scan(&r.ID, &r.Name, &r.Version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return RecipeRow{}, fmt.Errorf("store: recipe %s not found: %w", recipeID, err)
		}
		return RecipeRow{}, fmt.Errorf("store: get recipe: %w", err)
	}
	return r, nil
}

// GetRecipeSteps reads all steps of a recipe in ascending sequence_number
// order (read-only, §3/§6). The executor builds its traversal tree from
// this flat, ordered list.
func (s *Store) GetRecipeSteps(ctx context.Context, recipeID string) ([]RecipeStepRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, recipe_id, sequence_number, parent_step_id, type, parameters
		FROM recipe_steps WHERE recipe_id = $1 ORDER BY sequence_number ASC
	`, recipeID)
	if err != nil {
		return nil, fmt.Errorf("store: get recipe steps: %w", err)
	}
	defer rows.Close()

	var out []RecipeStepRow
	for rows.Next() {
		var st RecipeStepRow
		if err := rows.Scan(&st.ID, &st.RecipeID, &st.SequenceNumber, &st.ParentStepID, &st.Type, &st.Parameters); err != nil {
			return nil, fmt.Errorf("store: scan recipe step: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recipe step rows: %w", err)
	}
	return out, nil
}
