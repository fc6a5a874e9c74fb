package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const outputFileMode = 0766

func (e *Engine) path(suffix string) string {
	return filepath.Join(e.cfg.OutputDir, e.cfg.Label+suffix)
}

// writeOutputs persists every file a completed run produces: the measured
// and post-processed routes, the repair log, and the IP dictionary with its
// rate-limit round records.
func (e *Engine) writeOutputs() error {
	if err := e.writeTraces(); err != nil {
		return err
	}
	if err := e.writePostProcessed(); err != nil {
		return err
	}
	if err := e.writeRepairLog(); err != nil {
		return err
	}
	if err := e.table.WriteDictionary(e.path(".ip")); err != nil {
		return err
	}
	if err := e.table.WriteRoundRecords(e.path(".rate-limit")); err != nil {
		return err
	}
	return nil
}

func (e *Engine) writeTraces() error {
	var b strings.Builder
	for _, t := range e.Traces() {
		b.WriteString(t.ToStringMeasured())
	}
	return os.WriteFile(e.path(".traces"), []byte(b.String()), outputFileMode)
}

func (e *Engine) writePostProcessed() error {
	var b strings.Builder
	for _, t := range e.Traces() {
		if !t.NeedsPostProcessing() {
			continue
		}
		b.WriteString(t.ToStringPostProcessed())
	}
	return os.WriteFile(e.path(".post-processed"), []byte(b.String()), outputFileMode)
}

func (e *Engine) writeRepairLog() error {
	var b strings.Builder
	for _, rep := range e.Repairs() {
		b.WriteString(rep.ToString())
	}
	return os.WriteFile(e.path(".repair"), []byte(b.String()), outputFileMode)
}

// writeStoppedTraces saves whatever traces were gathered before an
// emergency stop, prefixed as the original tool marks a cut-short run.
func (e *Engine) writeStoppedTraces() error {
	var b strings.Builder
	for _, t := range e.Traces() {
		b.WriteString(t.ToStringMeasured())
	}
	name := fmt.Sprintf("[Stopped] %s.traces", e.cfg.Label)
	return os.WriteFile(filepath.Join(e.cfg.OutputDir, name), []byte(b.String()), outputFileMode)
}
