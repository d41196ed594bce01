// Command bridgesh loads script modules against a set of demo host types,
// runs the invocations named in its configuration, and offers an interactive
// shell inside a module space.
//
//	bridgesh -config bridge.hcl
//	bridgesh -i
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/feather-lang/hostbridge"
	"github.com/feather-lang/hostbridge/engine"
	_ "github.com/feather-lang/hostbridge/engine/gojaengine"
	"github.com/feather-lang/hostbridge/internal/config"
)

func main() {
	configPath := flag.String("config", "", "HCL configuration file")
	interactive := flag.Bool("i", false, "start a shell after running the configuration")
	timeout := flag.Duration("timeout", 10*time.Second, "time budget for loading each module")
	flag.Parse()

	if err := run(*configPath, *interactive, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, interactive bool, timeout time.Duration) error {
	cfg := &config.Config{LogLevel: "info"}
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	eng, err := engine.New(cfg.Engine)
	if err != nil {
		return err
	}
	rt := hostbridge.New(eng, hostbridge.Config{
		Logger:     logger,
		Diagnostic: cfg.Diagnostic,
	})
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("closing runtime", zap.Error(err))
		}
	}()
	if err := registerDemoTypes(rt.DevLoader(), logger); err != nil {
		return err
	}

	var last *hostbridge.ModuleSpace
	for _, m := range cfg.Modules {
		space, err := load(rt, hostbridge.Module{Name: m.Name, Source: m.Source, Entry: m.Entry}, timeout)
		if err != nil {
			return err
		}
		for _, inv := range m.Invocations {
			out, err := invoke(space, inv)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", m.Name, inv.Function, err)
			}
			if inv.Returns != "void" {
				fmt.Printf("%s.%s = %s\n", m.Name, inv.Function, out)
			}
		}
		last = space
	}

	if !interactive && configPath != "" {
		return nil
	}
	if last == nil {
		if last, err = load(rt, hostbridge.Module{Name: "shell"}, timeout); err != nil {
			return err
		}
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return runShell(last)
	}
	return runScript(last, os.Stdin)
}

func load(rt *hostbridge.Runtime, mod hostbridge.Module, timeout time.Duration) (*hostbridge.ModuleSpace, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return rt.LoadModule(ctx, mod)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = lvl
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// invoke runs one configured invocation and formats its result.
func invoke(s *hostbridge.ModuleSpace, inv *config.Invocation) (string, error) {
	name, args := inv.Function, inv.Args
	switch inv.Returns {
	case "void":
		return "", s.InvokeNativeVoid(name, nil, args...)
	case "boolean":
		v, err := s.InvokeNativeBoolean(name, nil, args...)
		return fmt.Sprint(v), err
	case "byte":
		v, err := s.InvokeNativeByte(name, nil, args...)
		return fmt.Sprint(v), err
	case "char":
		v, err := s.InvokeNativeChar(name, nil, args...)
		return string(v), err
	case "short":
		v, err := s.InvokeNativeShort(name, nil, args...)
		return fmt.Sprint(v), err
	case "int":
		v, err := s.InvokeNativeInt(name, nil, args...)
		return fmt.Sprint(v), err
	case "long":
		v, err := s.InvokeNativeLong(name, nil, args...)
		return fmt.Sprint(v), err
	case "float":
		v, err := s.InvokeNativeFloat(name, nil, args...)
		return fmt.Sprint(v), err
	case "double":
		v, err := s.InvokeNativeDouble(name, nil, args...)
		return fmt.Sprint(v), err
	case "string":
		return s.InvokeNativeString(name, nil, args...)
	default:
		v, err := s.InvokeNativeObject(name, nil, args...)
		if err != nil {
			return "", err
		}
		defer v.Release()
		return v.String(), nil
	}
}
