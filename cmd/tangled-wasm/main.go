//go:build js && wasm

// Command tangled-wasm runs one browser window: it registers the window in
// localStorage, simulates its swarm with WebGL2 and exposes the registry to
// page scripts as window.tangled.
package main

import (
	"context"
	"math"
	"syscall/js"

	"go.uber.org/zap"

	"github.com/nmxmxh/tangled/internal/swarm"
	"github.com/nmxmxh/tangled/pkg/gpgpu"
	"github.com/nmxmxh/tangled/pkg/gpgpu/webglhost"
	"github.com/nmxmxh/tangled/pkg/json"
	"github.com/nmxmxh/tangled/pkg/logger"
	"github.com/nmxmxh/tangled/pkg/winreg"
	"github.com/nmxmxh/tangled/pkg/winreg/localstore"
)

const (
	canvasID = "tangled"
	gridSize = 64
)

func main() {
	log := logger.New(logger.Config{
		Environment: "production",
		LogLevel:    "info",
		ServiceName: "tangled-wasm",
		Encoding:    "console",
		OutputPaths: []string{"stdout"},
	})
	ctx := context.Background()

	store := localstore.New()
	win := localstore.NewWindow()
	reg := winreg.New[swarm.Meta](store, win, winreg.WithLogger(log))

	id, err := reg.Init(ctx, swarm.Meta{Particles: gridSize * gridSize})
	if err != nil {
		log.Error("Failed to register window", zap.Error(err))
		return
	}
	ctx = logger.WithWindow(ctx, id)
	log = logger.FromContext(ctx, log)

	hue := math.Mod(float64(id)*0.618033988749895, 1)
	if err := reg.SetMetadata(ctx, swarm.Meta{Particles: gridSize * gridSize, Hue: hue}); err != nil {
		log.Warn("Failed to publish metadata", zap.Error(err))
	}

	r := swarm.NewRunner(reg, openHost(log),
		swarm.WithRunnerLogger(log),
		swarm.WithGridSize(gridSize),
		swarm.WithSeed(id),
	)

	others := js.FuncOf(func(js.Value, []js.Value) any {
		data, err := json.Marshal(reg.OtherWindows())
		if err != nil {
			return js.Null()
		}
		return string(data)
	})
	js.Global().Set("tangled", js.ValueOf(map[string]any{
		"id":         id,
		"simulating": r.Simulating(),
		"others":     others,
	}))

	done := make(chan struct{})
	stopped := false
	win.OnUnload(func() {
		stopped = true
		r.Close()
		if err := reg.Close(ctx); err != nil {
			log.Warn("Failed to remove window record", zap.Error(err))
		}
		_ = store.Close()
		close(done)
	})

	var frame js.Func
	frame = js.FuncOf(func(js.Value, []js.Value) any {
		if stopped {
			return nil
		}
		if err := r.Frame(ctx); err != nil {
			log.Warn("Frame failed", zap.Error(err))
		}
		js.Global().Call("requestAnimationFrame", frame)
		return nil
	})
	js.Global().Call("requestAnimationFrame", frame)

	<-done
	frame.Release()
	others.Release()
}

// openHost returns the WebGL2 host, or nil when the page cannot provide one.
func openHost(log *zap.Logger) gpgpu.Host {
	gl, err := webglhost.Canvas(canvasID)
	if err != nil {
		log.Warn("No WebGL2 canvas, running registry only", zap.Error(err))
		return nil
	}
	h, err := webglhost.New(gl, webglhost.WithLogger(log))
	if err != nil {
		log.Warn("WebGL2 host unavailable, running registry only", zap.Error(err))
		return nil
	}
	return h
}
