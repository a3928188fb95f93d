// Command lfsckctl drives the LFSCK engine: `serve` boots a daemon bound to
// one storage device and exposes both the peer control protocol and a
// small admin surface; the remaining subcommands are thin clients against
// a running daemon's admin surface.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/parafs/lfsckd/checkers"
	"github.com/parafs/lfsckd/control"
	"github.com/parafs/lfsckd/lfsck"
	"github.com/parafs/lfsckd/nlog"
	"github.com/parafs/lfsckd/store"
)

var _ = checkers.CompNamespace // keep the blank-import-like reference honest; init() does the registration

var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	app := cli.NewApp()
	app.Name = "lfsckctl"
	app.Usage = "drive the LFSCK consistency-check engine"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to a YAML config file"},
		cli.StringFlag{Name: "addr, a", Value: "http://127.0.0.1:8866", Usage: "admin address of a running daemon"},
	}
	app.Commands = []cli.Command{
		serveCommand,
		startCommand,
		stopCommand,
		speedCommand,
		windowsCommand,
		dumpCommand,
		addTargetCommand,
		delTargetCommand,
	}
	if err := app.Run(os.Args); err != nil {
		nlog.Errorf("lfsckctl: %v", err)
		os.Exit(1)
	}
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "register a device and run its supervisor/control daemon",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c.GlobalString("config"))
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg Config) error {
	dev := store.NewMemDevice(cfg.DeviceKey)
	dev.Seed()

	bookmarks, err := lfsck.OpenBookmarkStore(cfg.BookmarkPath)
	if err != nil {
		return err
	}
	defer bookmarks.Close()

	registry := lfsck.NewRegistry()
	ctx := context.Background()
	if _, err := registry.Register(ctx, cfg.DeviceKey, dev, cfg.Master, bookmarks); err != nil {
		return fmt.Errorf("serve: register: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/lfsck/", (&control.Server{Dispatcher: registry}).Handler())
	mountAdmin(mux, registry, cfg.DeviceKey)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			nlog.Errorf("serve: %v", err)
		}
	}()
	nlog.Infof("lfsckctl: serving %s on %s", cfg.DeviceKey, cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	<-sigCh

	nlog.Infof("lfsckctl: shutting down")
	_ = registry.Stop(ctx, cfg.DeviceKey, control.StatusStopped)
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// --- admin surface: local-process stand-in for an operator RPC channel ---

const (
	adminStart     = "/admin/start"
	adminStop      = "/admin/stop"
	adminSpeed     = "/admin/speed"
	adminWindows   = "/admin/windows"
	adminDump      = "/admin/dump"
	adminAddTarget = "/admin/add_target"
	adminDelTarget = "/admin/del_target"
)

type adminStartReq struct {
	Active uint32 `json:"active"`
	Param  uint32 `json:"param"`
	Speed  uint32 `json:"speed"`
}

type adminSpeedReq struct {
	Set   bool   `json:"set"`
	Value uint32 `json:"value"`
}

type adminWindowsReq struct {
	Set   bool   `json:"set"`
	Value uint32 `json:"value"`
}

type adminAddTargetReq struct {
	Index   uint32 `json:"index"`
	Key     string `json:"key"`
	PeerURL string `json:"peer_url"`
	ForOST  bool   `json:"for_ost"`
}

type adminDelTargetReq struct {
	Index  uint32 `json:"index"`
	ForOST bool   `json:"for_ost"`
}

func mountAdmin(mux *http.ServeMux, registry *lfsck.Registry, key string) {
	mux.HandleFunc(adminStart, func(w http.ResponseWriter, r *http.Request) {
		var req adminStartReq
		if !decodeJSON(w, r, &req) {
			return
		}
		err := registry.Start(r.Context(), key, lfsck.CompType(req.Active), lfsck.ParamFlags(req.Param), req.Speed)
		writeResult(w, err)
	})
	mux.HandleFunc(adminStop, func(w http.ResponseWriter, r *http.Request) {
		err := registry.Stop(r.Context(), key, control.StatusStopped)
		writeResult(w, err)
	})
	mux.HandleFunc(adminSpeed, func(w http.ResponseWriter, r *http.Request) {
		var req adminSpeedReq
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Set {
			writeResult(w, registry.SetSpeed(key, req.Value))
			return
		}
		speed, err := registry.GetSpeed(key)
		writeJSONResult(w, speed, err)
	})
	mux.HandleFunc(adminWindows, func(w http.ResponseWriter, r *http.Request) {
		var req adminWindowsReq
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Set {
			writeResult(w, registry.SetWindows(key, req.Value))
			return
		}
		windows, err := registry.GetWindows(key)
		writeJSONResult(w, windows, err)
	})
	mux.HandleFunc(adminDump, func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		err := registry.Dump(key, &writerDumper{&buf})
		if err != nil {
			writeResult(w, err)
			return
		}
		w.Write(buf.Bytes())
	})
	mux.HandleFunc(adminAddTarget, func(w http.ResponseWriter, r *http.Request) {
		var req adminAddTargetReq
		if !decodeJSON(w, r, &req) {
			return
		}
		var peer *control.Peer
		if req.PeerURL != "" {
			peer = control.NewPeer(req.Index, req.Key, req.PeerURL)
		}
		td := lfsck.NewTargetDescriptor(req.Index, req.Key, peer)
		writeResult(w, registry.AddTarget(key, td, req.ForOST))
	})
	mux.HandleFunc(adminDelTarget, func(w http.ResponseWriter, r *http.Request) {
		var req adminDelTargetReq
		if !decodeJSON(w, r, &req) {
			return
		}
		registry.DelTarget(key, req.Index, req.ForOST)
		w.WriteHeader(http.StatusOK)
	})
}

type writerDumper struct{ w io.Writer }

func (d *writerDumper) Writef(format string, args ...any) { fmt.Fprintf(d.w, format, args...) }

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := jsonc.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSONResult(w http.ResponseWriter, v any, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	b, _ := jsonc.Marshal(v)
	_, _ = w.Write(b)
}

// --- client subcommands ---

func postJSON(addr, path string, body any) ([]byte, error) {
	b, err := jsonc.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(addr+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lfsckctl: %s: %s", path, string(out))
	}
	return out, nil
}

var startCommand = cli.Command{
	Name:  "start",
	Usage: "start a scan on a running daemon",
	Flags: []cli.Flag{
		cli.UintFlag{Name: "active", Usage: "component bitmask (1=namespace, 2=layout)"},
		cli.UintFlag{Name: "param", Usage: "param-flag bitmask"},
		cli.UintFlag{Name: "speed", Value: uint(lfsck.SpeedUnset), Usage: "ops/sec, omit to leave unchanged"},
	},
	Action: func(c *cli.Context) error {
		_, err := postJSON(c.GlobalString("addr"), adminStart, adminStartReq{
			Active: uint32(c.Uint("active")),
			Param:  uint32(c.Uint("param")),
			Speed:  uint32(c.Uint("speed")),
		})
		return err
	},
}

var stopCommand = cli.Command{
	Name:  "stop",
	Usage: "stop the running scan",
	Action: func(c *cli.Context) error {
		_, err := postJSON(c.GlobalString("addr"), adminStop, struct{}{})
		return err
	},
}

var speedCommand = cli.Command{
	Name:  "speed",
	Usage: "get or set the speed limit",
	Flags: []cli.Flag{
		cli.UintFlag{Name: "set", Usage: "new ops/sec limit"},
	},
	Action: func(c *cli.Context) error {
		set := c.IsSet("set")
		out, err := postJSON(c.GlobalString("addr"), adminSpeed, adminSpeedReq{Set: set, Value: uint32(c.Uint("set"))})
		if err != nil {
			return err
		}
		if !set {
			fmt.Println(string(out))
		}
		return nil
	},
}

var windowsCommand = cli.Command{
	Name:  "windows",
	Usage: "get or set async_windows",
	Flags: []cli.Flag{
		cli.UintFlag{Name: "set", Usage: "new async_windows value"},
	},
	Action: func(c *cli.Context) error {
		set := c.IsSet("set")
		out, err := postJSON(c.GlobalString("addr"), adminWindows, adminWindowsReq{Set: set, Value: uint32(c.Uint("set"))})
		if err != nil {
			return err
		}
		if !set {
			fmt.Println(string(out))
		}
		return nil
	},
}

var dumpCommand = cli.Command{
	Name:  "dump",
	Usage: "print per-component counters",
	Action: func(c *cli.Context) error {
		out, err := postJSON(c.GlobalString("addr"), adminDump, struct{}{})
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var addTargetCommand = cli.Command{
	Name:  "add-target",
	Usage: "register an OST/MDT target, local or remote, on the running instance",
	Flags: []cli.Flag{
		cli.UintFlag{Name: "index", Usage: "target index"},
		cli.StringFlag{Name: "key", Usage: "target device key"},
		cli.StringFlag{Name: "peer-url", Usage: "base URL of the peer's control endpoint, empty for a local target"},
		cli.BoolFlag{Name: "ost", Usage: "target is an OST rather than an MDT"},
	},
	Action: func(c *cli.Context) error {
		_, err := postJSON(c.GlobalString("addr"), adminAddTarget, adminAddTargetReq{
			Index:   uint32(c.Uint("index")),
			Key:     c.String("key"),
			PeerURL: c.String("peer-url"),
			ForOST:  c.Bool("ost"),
		})
		return err
	},
}

var delTargetCommand = cli.Command{
	Name:  "del-target",
	Usage: "remove a previously added target",
	Flags: []cli.Flag{
		cli.UintFlag{Name: "index", Usage: "target index"},
		cli.BoolFlag{Name: "ost", Usage: "target is an OST rather than an MDT"},
	},
	Action: func(c *cli.Context) error {
		_, err := postJSON(c.GlobalString("addr"), adminDelTarget, adminDelTargetReq{
			Index:  uint32(c.Uint("index")),
			ForOST: c.Bool("ost"),
		})
		return err
	},
}
