package app

import (
	"encoding/json"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ggonzalez94/planexec/internal/out"
	"github.com/ggonzalez94/planexec/internal/plan"
)

func newLogger(w io.Writer) (*zap.Logger, error) {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(enc),
		zapcore.AddSync(writerSyncer{w}),
		zapcore.WarnLevel,
	)
	return zap.New(core), nil
}

type writerSyncer struct {
	io.Writer
}

func (writerSyncer) Sync() error { return nil }

func (s *runtimeState) renderError(err error) {
	out.RenderError(s.runner.stderr, err)
}

func (s *runtimeState) renderProgress(steps []*plan.Step, fees json.RawMessage) {
	out.RenderProgress(s.runner.stderr, steps)
}

func (s *runtimeState) renderPlan(p *plan.Plan) {
	if err := out.RenderPlan(s.runner.stdout, p); err != nil {
		s.log.Warn("render plan failed", zap.Error(err))
	}
}

func writeJSON(w io.Writer, v any) error {
	return out.RenderJSON(w, v)
}
