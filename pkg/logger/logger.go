/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// instanceLogger implements the Logger interface without global state.
type instanceLogger struct {
	logger zerolog.Logger
}

// New creates a logger from the provided configuration. If config is nil
// the defaults apply.
func New(ctx context.Context, config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var output io.Writer = os.Stdout
	if config.Output == "stderr" {
		output = os.Stderr
	}

	level := zerolog.InfoLevel

	if config.Debug {
		level = zerolog.DebugLevel
	} else if config.Level != "" {
		var err error

		level, err = zerolog.ParseLevel(config.Level)
		if err != nil {
			return nil, err
		}
	}

	timeFormat := time.RFC3339
	if config.TimeFormat != "" {
		timeFormat = config.TimeFormat
	}

	if config.OTel.Enabled && config.OTel.Endpoint != "" {
		otelWriter, err := NewOTELWriter(ctx, config.OTel)
		if err != nil {
			return nil, err
		}

		output = NewMultiWriter(output, otelWriter)
	}

	zerolog.TimeFieldFormat = timeFormat

	zlog := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &instanceLogger{logger: zlog}, nil
}

// NewComponentLogger creates a logger tagged with a component field.
func NewComponentLogger(ctx context.Context, component string, config *Config) (Logger, error) {
	base, err := New(ctx, config)
	if err != nil {
		return nil, err
	}

	impl := base.(*instanceLogger)

	return &instanceLogger{
		logger: impl.logger.With().Str("component", component).Logger(),
	}, nil
}

func (l *instanceLogger) Trace() *zerolog.Event {
	return l.logger.Trace()
}

func (l *instanceLogger) Debug() *zerolog.Event {
	return l.logger.Debug()
}

func (l *instanceLogger) Info() *zerolog.Event {
	return l.logger.Info()
}

func (l *instanceLogger) Warn() *zerolog.Event {
	return l.logger.Warn()
}

func (l *instanceLogger) Error() *zerolog.Event {
	return l.logger.Error()
}

func (l *instanceLogger) Fatal() *zerolog.Event {
	return l.logger.Fatal()
}

func (l *instanceLogger) Panic() *zerolog.Event {
	return l.logger.Panic()
}

func (l *instanceLogger) With() zerolog.Context {
	return l.logger.With()
}

func (l *instanceLogger) WithComponent(component string) zerolog.Logger {
	return l.logger.With().Str("component", component).Logger()
}

func (l *instanceLogger) WithFields(fields map[string]interface{}) zerolog.Logger {
	ctx := l.logger.With()
	for key, value := range fields {
		ctx = ctx.Interface(key, value)
	}

	return ctx.Logger()
}

func (l *instanceLogger) SetLevel(level zerolog.Level) {
	l.logger = l.logger.Level(level)
}

func (l *instanceLogger) SetDebug(debug bool) {
	if debug {
		l.SetLevel(zerolog.DebugLevel)
	} else {
		l.SetLevel(zerolog.InfoLevel)
	}
}
