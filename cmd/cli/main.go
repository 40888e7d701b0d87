package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cobotUS "cobot_us"

	"go.viam.com/rdk/logging"
)

const usage = `usage: cobot-cli [flags] <command>

Commands:
  discover                       list candidate serial ports
  status                         connect and print status
  read_angles | read_pose        print the current joint angles or pose
  start | center | end           move to a sweep position
  fly | land                     raise or lower the probe by 5 mm
  home                           move every axis to zero
  set_center | reset_center      store or reset the sweep center
  manual_position                relax, let the arm be placed, then lock
  release_servos | lock_servos   toggle servo power
  stop                           emergency stop

Flags:
`

func main() {
	err := realMain(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain(args []string) error {
	fs := flag.NewFlagSet("cobot-cli", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	port := fs.String("port", os.Getenv("COBOT_PORT"), "serial port of the arm")
	baudrate := fs.Int("baudrate", cobotUS.DefaultBaudrate, "serial baudrate")
	speed := fs.Int("speed", 0, "move speed 1-50, 0 uses the saved setting")
	blocking := fs.Bool("blocking", true, "wait for the arm to arrive")
	probe := fs.Bool("probe", false, "ask each discovered port for its firmware version")
	settingsFile := fs.String("settings", "", "settings file, relative paths resolve under VIAM_MODULE_DATA")
	debug := fs.Bool("debug", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected exactly one command")
	}
	command := fs.Arg(0)

	logger := logging.NewLogger("cobot-cli")
	if *debug {
		logger.SetLevel(logging.DEBUG)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if command == "discover" {
		var open cobotUS.DriverOpener
		if *probe {
			open = cobotUS.OpenMyCobotDriver
		}
		ports, err := cobotUS.DiscoverPorts(ctx, *baudrate, open, logger)
		if err != nil {
			return err
		}
		return printJSON(ports)
	}

	cfg := &cobotUS.Config{
		Port:         *port,
		Baudrate:     *baudrate,
		SettingsFile: *settingsFile,
	}
	if _, _, err := cfg.Validate("cli"); err != nil {
		return err
	}

	system, err := cobotUS.NewSystem(ctx, cfg, cobotUS.SystemOptions{}, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := system.Close(closeCtx); err != nil {
			logger.Warnf("Close failed: %v", err)
		}
	}()

	if _, err := system.Connect(ctx, cfg.Endpoint()); err != nil {
		return err
	}

	cmd := map[string]any{"command": command, "blocking": *blocking}
	if *speed != 0 {
		cmd["speed"] = float64(*speed)
	}
	out, err := system.Execute(ctx, cmd)
	if err != nil {
		return err
	}
	if command == "stop" {
		// Stop is sent in the background.
		time.Sleep(500 * time.Millisecond)
	}
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
