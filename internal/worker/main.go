package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"hotplugd/internal/logging"
	"hotplugd/internal/rules"
)

// Main runs a worker process: read the bootstrap from stdin, then serve
// devices until the manager closes the channel or ctx ends.
func Main(ctx context.Context, stdin io.Reader, channel *os.File) error {
	var boot Bootstrap
	if err := json.NewDecoder(stdin).Decode(&boot); err != nil {
		return fmt.Errorf("read bootstrap: %w", err)
	}
	if boot.Device == nil {
		return errors.New("bootstrap carries no device")
	}

	logger, err := logging.New(logging.Options{
		Level:  boot.Snapshot.LogLevel,
		Format: boot.Snapshot.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = logger.With(logging.Int(logging.FieldWorkerPID, os.Getpid()))

	set, err := rules.Compile(boot.Snapshot.Rules)
	if err != nil {
		return fmt.Errorf("compile rules: %w", err)
	}

	ch, err := OpenChannel(channel, 0)
	if err != nil {
		return err
	}
	channel.Close()
	defer ch.Close()

	path := os.Getenv(NotifySocketEnv)
	if path == "" {
		return fmt.Errorf("%s is not set", NotifySocketEnv)
	}
	notifier, err := DialNotify(path)
	if err != nil {
		return err
	}
	defer notifier.Close()

	// Closing the channel unblocks Receive once the manager asks us to stop.
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	runner := &Runner{
		Snapshot: boot.Snapshot,
		Rules:    set,
		Receiver: ch,
		Reporter: notifier,
		Logger:   logger,
	}
	logger.Debug("worker started", logging.Int("rules", set.Len()))
	return runner.Run(ctx, boot.Device)
}
