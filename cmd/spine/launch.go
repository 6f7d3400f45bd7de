package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// #region launch
// launchRanks re-executes this binary once per rank and waits for all of
// them. The first failing rank cancels the others, which would otherwise
// block forever in the next collective call.
func launchRanks(ctx context.Context, configPath string, worldSize int, seed int64, runID string, logger *slog.Logger) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		args := []string{
			"--rank", strconv.Itoa(rank),
			"--seed", strconv.FormatInt(seed, 10),
			"--run-id", runID,
		}
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		cmd := exec.CommandContext(ctx, self, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = os.Environ()
		if err := cmd.Start(); err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("start rank %d: %w", rank, err)
		}
		logger.Info("rank started", "rank", rank, "pid", cmd.Process.Pid)

		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			if err := cmd.Wait(); err != nil {
				errs[rank] = fmt.Errorf("rank %d: %w", rank, err)
				cancel()
			}
		}(rank)
	}
	wg.Wait()
	return errors.Join(errs...)
}
// #endregion launch
