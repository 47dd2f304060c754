package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

type Logger struct {
	zerolog zerolog.Logger
	warns   prometheus.Counter
	errs    prometheus.Counter
}

func NewLogger(config *Config) (*Logger, error) {
	config.SetDefault()
	level, err := zerolog.ParseLevel(strings.ToLower(config.Level))
	if err != nil {
		return nil, errors.Wrap(err, "parse level")
	}

	zerolog.SetGlobalLevel(level)

	output := buildLoggerOutput(config.HumanFriendly, config.NoColoredOutput)

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	l := zerolog.New(output).With().Timestamp().Logger()

	logger := &Logger{
		warns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logger_warns_total",
			Help: "How many warnings occurred.",
		}),
		errs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logger_errors_total",
			Help: "How many errors occurred.",
		}),
	}
	l = l.Hook(NewMetricWarnHook(logger.warns))
	l = l.Hook(NewMetricErrorHook(logger.errs))
	logger.zerolog = l

	return logger, nil
}

func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zerolog
}

// WithContext attaches the logger to ctx so components retrieve it with
// zerolog.Ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return l.zerolog.WithContext(ctx)
}

// Describe implements prometheus.Collector.
func (l *Logger) Describe(ch chan<- *prometheus.Desc) {
	l.warns.Describe(ch)
	l.errs.Describe(ch)
}

// Collect implements prometheus.Collector.
func (l *Logger) Collect(ch chan<- prometheus.Metric) {
	l.warns.Collect(ch)
	l.errs.Collect(ch)
}

func buildLoggerOutput(isHumanFriendly, isNoColoredOutput bool) io.Writer {
	if !isHumanFriendly {
		return os.Stdout
	}

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		NoColor:    isNoColoredOutput,
		TimeFormat: time.RFC3339,
	}

	output.FormatLevel = func(i interface{}) string {
		var v string

		if ii, ok := i.(string); ok {
			ii = strings.ToUpper(ii)
			switch ii {
			case zerolog.DebugLevel.String(), zerolog.ErrorLevel.String(), zerolog.FatalLevel.String(),
				zerolog.InfoLevel.String(), zerolog.WarnLevel.String(), zerolog.PanicLevel.String(),
				zerolog.TraceLevel.String():
				v = fmt.Sprintf("%-5s", ii)
			default:
				v = ii
			}
		}

		return fmt.Sprintf("| %s |", v)
	}

	return output
}
