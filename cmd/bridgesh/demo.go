package main

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/feather-lang/hostbridge"
)

// Util holds static helpers.
type Util struct{}

// Counter is a small stateful object scripts can create with Counter.new().
type Counter struct {
	Name  string
	Count int64
}

func (c *Counter) Inc() int64 {
	c.Count++
	return c.Count
}

func (c *Counter) Add(n int64) int64 {
	c.Count += n
	return c.Count
}

func (c *Counter) Reset() { c.Count = 0 }

// Console writes script output through the logger.
type Console struct{}

var started = time.Now()

// registerDemoTypes exposes Util, Counter and Console to every module.
func registerDemoTypes(l *hostbridge.Loader, logger *zap.Logger) error {
	if _, err := hostbridge.RegisterType[*Util](l, "Util", hostbridge.TypeDef[*Util]{
		Statics: hostbridge.Members{
			"now":    func() int64 { return time.Now().UnixMilli() },
			"uptime": func() float64 { return time.Since(started).Seconds() },
			"upper":  strings.ToUpper,
			"join": func(sep string, parts ...string) string {
				return strings.Join(parts, sep)
			},
			"fail": func(msg string) error { return fmt.Errorf("%s", msg) },
		},
	}); err != nil {
		return err
	}

	if _, err := hostbridge.RegisterType[*Counter](l, "Counter", hostbridge.TypeDef[*Counter]{
		New: func(name string) *Counter { return &Counter{Name: name} },
	}); err != nil {
		return err
	}

	_, err := hostbridge.RegisterType[*Console](l, "Console", hostbridge.TypeDef[*Console]{
		Statics: hostbridge.Members{
			"log": func(args ...any) {
				parts := make([]string, len(args))
				for i, a := range args {
					parts[i] = fmt.Sprint(a)
				}
				fmt.Println(strings.Join(parts, " "))
			},
			"debug": func(msg string) { logger.Debug(msg, zap.String("source", "script")) },
		},
	})
	return err
}
