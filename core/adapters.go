package core

import (
	"context"

	"go.uber.org/multierr"
)

// EachEntry adapts an OutputPlugin to BatchOutputPlugin by writing entries one by one
func EachEntry(output OutputPlugin) BatchOutputPlugin {
	return &eachEntryOutput{output: output}
}

type eachEntryOutput struct {
	output OutputPlugin
}

// WriteBatch writes every entry and returns the combined errors
func (o *eachEntryOutput) WriteBatch(entries []*LogEntry) error {
	var err error
	for _, entry := range entries {
		err = multierr.Append(err, o.output.Write(entry))
	}
	return err
}

func (o *eachEntryOutput) Close() error {
	return o.output.Close()
}

// CheckHealth forwards to the wrapped sink when it supports health checks
func (o *eachEntryOutput) CheckHealth(ctx context.Context) error {
	if checker, ok := o.output.(HealthChecker); ok {
		return checker.CheckHealth(ctx)
	}
	return nil
}

// SingleBatch adapts a BatchOutputPlugin to OutputPlugin by writing batches of one
func SingleBatch(output BatchOutputPlugin) OutputPlugin {
	return &singleBatchOutput{output: output}
}

type singleBatchOutput struct {
	output BatchOutputPlugin
}

// Write writes a batch containing only entry
func (o *singleBatchOutput) Write(entry *LogEntry) error {
	return o.output.WriteBatch([]*LogEntry{entry})
}

func (o *singleBatchOutput) Close() error {
	return o.output.Close()
}

// CheckHealth forwards to the wrapped sink when it supports health checks
func (o *singleBatchOutput) CheckHealth(ctx context.Context) error {
	if checker, ok := o.output.(HealthChecker); ok {
		return checker.CheckHealth(ctx)
	}
	return nil
}
