// A command line tool to install apps on iOS devices over usbmuxd.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path"
	"runtime"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cheggaaa/pb"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	sidekit "github.com/prife/gosidekit"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	app        = kingpin.New("sidekit", "Install and manage apps on iOS devices connected over usbmuxd.")
	configPath = app.Flag("config", "TOML config file.").Short('c').Envar("SIDEKIT_CONFIG").ExistingFile()
	debug      = app.Flag("debug", "Enable debug logging.").Short('d').Bool()
	udid       = app.Flag("udid", "Target device. Defaults to the first attached device.").Short('u').String()

	devicesCmd    = app.Command("devices", "List attached devices.")
	devicesDetail = devicesCmd.Flag("detail", "Query each device's name and OS version over lockdown.").Short('l').Bool()

	installCmd = app.Command("install", "Install a signed .ipa.")
	installIPA = installCmd.Arg("ipa", "App archive.").Required().ExistingFile()
	installAll = installCmd.Flag("all", "Install on every attached device.").Bool()
	installPP  = installCmd.Flag("profile", "Provisioning profile to install with the app. Repeatable.").Short('p').ExistingFiles()

	uninstallCmd    = app.Command("uninstall", "Remove an app.")
	uninstallBundle = uninstallCmd.Arg("bundle-id", "Bundle identifier.").Required().String()

	profilesCmd         = app.Command("profiles", "Manage provisioning profiles.")
	profilesFetchCmd    = profilesCmd.Command("fetch", "Fetch profiles for bundle identifiers.")
	profilesFetchIDs    = profilesFetchCmd.Arg("bundle-id", "Bundle identifiers.").Required().Strings()
	profilesFetchOutput = profilesFetchCmd.Flag("output", "Directory to write the profiles to.").Short('o').Default(".").ExistingDir()
	profilesRemoveCmd   = profilesCmd.Command("remove", "Remove profiles for bundle identifiers.")
	profilesRemoveIDs   = profilesRemoveCmd.Arg("bundle-id", "Bundle identifiers.").Required().Strings()

	pluginsCmd = app.Command("plugins", "List plugins reported by the device side.")

	jitCmd  = app.Command("jit", "Enable unsigned code execution for a running app.")
	jitPID  = jitCmd.Flag("pid", "Process id.").Int32()
	jitName = jitCmd.Flag("name", "Process name.").String()

	watchCmd = app.Command("watch", "Print devices as they are plugged in and out.")
)

func initLog() {
	log.SetReportCaller(true)
	log.SetFormatter(&log.TextFormatter{
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			filename := path.Base(f.File)
			return "", fmt.Sprintf("%s:%d", filename, f.Line)
		},
	})
	log.SetLevel(log.InfoLevel)
	if *debug {
		log.SetLevel(log.DebugLevel)
	}
}

func main() {
	app.HelpFlag.Short('h')
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	initLog()

	cfg, err := loadConfig(*configPath)
	app.FatalIfError(err, "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := newClient(cfg)
	app.FatalIfError(err, "usbmuxd")

	switch command {
	case devicesCmd.FullCommand():
		err = listDevices(ctx, client)
	case installCmd.FullCommand():
		err = install(ctx, client, cfg)
	case uninstallCmd.FullCommand():
		err = withConnection(ctx, client, func(conn *sidekit.Connection) error {
			return client.Remove(ctx, conn, *uninstallBundle)
		})
	case profilesFetchCmd.FullCommand():
		err = fetchProfiles(ctx, client, cfg)
	case profilesRemoveCmd.FullCommand():
		err = withConnection(ctx, client, func(conn *sidekit.Connection) error {
			return sidekit.RemoveProfiles(ctx, conn, *profilesRemoveIDs)
		})
	case pluginsCmd.FullCommand():
		err = withConnection(ctx, client, func(conn *sidekit.Connection) error {
			plugins, err := sidekit.EnumeratePlugins(ctx, conn)
			for _, p := range plugins {
				fmt.Println(p)
			}
			return err
		})
	case jitCmd.FullCommand():
		err = withConnection(ctx, client, func(conn *sidekit.Connection) error {
			return sidekit.EnableUnsignedCodeExecution(ctx, conn, sidekit.ProcessTarget{PID: *jitPID, Name: *jitName})
		})
	case watchCmd.FullCommand():
		err = watch(ctx, client)
	}

	if err != nil {
		printError(err)
		os.Exit(1)
	}
}

func newClient(cfg config) (*sidekit.Client, error) {
	client, err := sidekit.NewWithConfig(cfg.Mux)
	if err != nil {
		return nil, err
	}
	c := client.Connector()
	c.Service = cfg.Service
	c.Timeout = cfg.ConnectTimeout
	c.RequestTimeout = cfg.RequestTimeout
	return client, nil
}

// targetDevice returns the --udid device, or the first one attached.
func targetDevice(ctx context.Context, client *sidekit.Client) (*sidekit.Device, error) {
	if *udid != "" {
		return client.Device(ctx, *udid)
	}
	devices, err := client.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, errors.New("no device attached")
	}
	return devices[0], nil
}

func withConnection(ctx context.Context, client *sidekit.Client, fn func(conn *sidekit.Connection) error) error {
	d, err := targetDevice(ctx, client)
	if err != nil {
		return err
	}
	conn, err := client.Connect(ctx, d)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

func listDevices(ctx context.Context, client *sidekit.Client) error {
	devices, err := client.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		line := fmt.Sprintf("%s\t%s\t%s", d.UDID, d.ConnectionType, d.State())
		if *devicesDetail {
			if detail, err := client.DeviceDetail(ctx, d); err != nil {
				line += "\t" + color.YellowString(d.State().String())
				log.WithError(err).WithField("udid", d.UDID).Debug("device detail")
			} else {
				line += fmt.Sprintf("\t%s\t%s %s", d.Name(), detail.ProductType, detail.ProductVersion)
			}
		}
		fmt.Println(line)
	}
	return nil
}

func installOptions(cfg config, profilePaths []string) (sidekit.InstallOptions, error) {
	opts := sidekit.InstallOptions{
		RequiredPlugins: cfg.Plugins,
		Anisette:        fileAnisette(cfg.AnisetteFile).provider(),
		Policy:          cfg.Policy,
		ChunkSize:       cfg.ChunkSize,
	}
	for _, p := range append(cfg.Profiles, profilePaths...) {
		data, err := os.ReadFile(p)
		if err != nil {
			return opts, err
		}
		profile, err := sidekit.ParseProvisioningProfile(data)
		if err != nil {
			return opts, fmt.Errorf("%s: %w", p, err)
		}
		opts.Profiles = append(opts.Profiles, profile)
	}
	return opts, nil
}

func install(ctx context.Context, client *sidekit.Client, cfg config) error {
	bundle, err := sidekit.OpenIPA(*installIPA)
	if err != nil {
		return err
	}
	defer bundle.Close()
	fmt.Printf("%s %s (%s), %s\n", bundle.Name, bundle.Version, bundle.BundleIdentifier, humanize.Bytes(uint64(bundle.Size())))

	opts, err := installOptions(cfg, *installPP)
	if err != nil {
		return err
	}

	var devices []*sidekit.Device
	if *installAll {
		if devices, err = client.ListDevices(ctx); err != nil {
			return err
		}
	} else {
		d, err := targetDevice(ctx, client)
		if err != nil {
			return err
		}
		devices = []*sidekit.Device{d}
	}

	bars := make([]*pb.ProgressBar, len(devices))
	for i, d := range devices {
		bars[i] = pb.New64(bundle.Size()).SetUnits(pb.U_BYTES).Prefix(d.UDID[:min(8, len(d.UDID))] + " ")
	}
	pool, err := pb.StartPool(bars...)
	if err != nil {
		return err
	}

	// Each device gets its own connection; the bundle is read through independent readers.
	var g errgroup.Group
	for i, d := range devices {
		d := d // per-iteration copy; go.mod targets go 1.21 loop semantics
		bar := bars[i]
		g.Go(func() error {
			o := opts
			o.Progress = func(sent, total int64) { bar.Set64(sent) }
			conn, err := client.Connect(ctx, d)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := client.Install(ctx, conn, bundle, o); err != nil {
				return err
			}
			bar.Finish()
			return nil
		})
	}
	err = g.Wait()
	pool.Stop()
	if err == nil {
		fmt.Println(color.GreenString("installed %s on %d device(s)", bundle.BundleIdentifier, len(devices)))
	}
	return err
}

func fetchProfiles(ctx context.Context, client *sidekit.Client, cfg config) error {
	anisette := fileAnisette(cfg.AnisetteFile).provider()
	return withConnection(ctx, client, func(conn *sidekit.Connection) error {
		profiles, err := sidekit.FetchProfiles(ctx, conn, *profilesFetchIDs, anisette)
		if err != nil {
			return err
		}
		for id, p := range profiles {
			name := path.Join(*profilesFetchOutput, id+".mobileprovision")
			if err := os.WriteFile(name, p.Data, 0o644); err != nil {
				return err
			}
			fmt.Printf("%s\t%s\texpires %s\n", id, p.UUID, humanize.Time(p.ExpirationDate))
		}
		return nil
	})
}

func watch(ctx context.Context, client *sidekit.Client) error {
	w := client.NewDeviceWatcher(ctx)
	for ev := range w.C() {
		switch {
		case ev.CameOnline():
			fmt.Printf("%s %s\n", color.GreenString("+"), ev.Device)
		case ev.WentOffline():
			fmt.Printf("%s %s\n", color.RedString("-"), ev.Device)
		default:
			fmt.Printf("  %s %s -> %s\n", ev.Device, ev.OldState, ev.NewState)
		}
	}
	return w.Err()
}

// printError shows the user facing texts of a domain error, or the plain error otherwise.
func printError(err error) {
	type described interface {
		Description() string
		FailureReason() string
		RecoverySuggestion() string
	}
	var (
		se *sidekit.ServerError
		ce *sidekit.ConnectionError
		d  described
	)
	switch {
	case errors.As(err, &se):
		d = se
	case errors.As(err, &ce):
		d = ce
	default:
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		return
	}

	fmt.Fprintln(os.Stderr, color.RedString("error: %s", d.Description()))
	if r := d.FailureReason(); r != "" && r != d.Description() {
		fmt.Fprintln(os.Stderr, "  "+r)
	}
	if s := d.RecoverySuggestion(); s != "" {
		fmt.Fprintln(os.Stderr, "  "+color.CyanString(s))
	}
	log.Debugf("%s", strings.TrimSpace(err.Error()))
}
