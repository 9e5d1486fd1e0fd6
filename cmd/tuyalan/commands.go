package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quendro/tuyalan"
	"github.com/quendro/tuyalan/internal/config"
	"github.com/quendro/tuyalan/internal/ui"
)

// Command flags
var (
	deviceIP      string
	deviceKey     string
	deviceProto   string
	scanTimeout   int
	dpIndex       int
	schemaOutput  bool
	jsonOutput    bool
	addNickname   string
	noWaitForResp bool
)

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(toggleCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.AddCommand(devicesAddCmd)
	devicesCmd.AddCommand(devicesListCmd)
	devicesCmd.AddCommand(devicesRemoveCmd)

	for _, cmd := range []*cobra.Command{statusCmd, setCmd, toggleCmd, watchCmd} {
		cmd.Flags().StringVar(&deviceIP, "ip", "", "Device IP address (skips discovery)")
		cmd.Flags().StringVar(&deviceKey, "key", "", "Device local key (overrides registry)")
		cmd.Flags().StringVar(&deviceProto, "protocol", "", "Protocol version 3.1-3.5 (overrides registry)")
	}

	scanCmd.Flags().IntVar(&scanTimeout, "timeout", 10, "Scan timeout in seconds")
	statusCmd.Flags().IntVar(&dpIndex, "dps", 0, "Single DP index to read (default 1)")
	statusCmd.Flags().BoolVar(&schemaOutput, "schema", true, "Print the full DP map")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output for scripting")
	setCmd.Flags().IntVar(&dpIndex, "dps", 1, "DP index to write")
	setCmd.Flags().BoolVar(&noWaitForResp, "no-wait", false, "Return without waiting for the status report")
	toggleCmd.Flags().IntVar(&dpIndex, "dps", 1, "DP index to toggle")
	devicesAddCmd.Flags().StringVar(&deviceIP, "ip", "", "Device IP address")
	devicesAddCmd.Flags().StringVar(&deviceProto, "protocol", "3.3", "Protocol version")
	devicesAddCmd.Flags().StringVar(&addNickname, "nickname", "", "Friendly name")
}

// scanCmd discovers devices on the network
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Tuya devices on the network",
	Long: `Listen for UDP presence broadcasts on ports 6666 and 6667 and display
every device heard from, with its ID, IP and protocol version.

The local key cannot be discovered; pair it with 'tuyalan devices add'.`,
	Example: `  # Scan for 10 seconds (default)
  tuyalan scan

  # Longer scan for quiet devices
  tuyalan scan --timeout 30`,
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	fmt.Printf("Scanning for device broadcasts (timeout: %ds)...\n\n", scanTimeout)

	devices, err := tuyalan.Discover(context.Background(), time.Duration(scanTimeout)*time.Second)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if len(devices) == 0 {
		fmt.Println("No devices found.")
		fmt.Println("\nTroubleshooting:")
		fmt.Println("  - Ensure the device is powered and on this network segment")
		fmt.Println("  - Broadcasts arrive every few seconds; try a longer --timeout")
		fmt.Println("  - Close other tools bound to UDP ports 6666/6667")
		return nil
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	fmt.Println(ui.TitleStyle.Render("DISCOVERED DEVICES"))
	fmt.Println()
	for _, d := range devices {
		fmt.Printf("  %s\n", ui.ValueStyle.Render(d.ID))
		fmt.Printf("    %s %s\n", ui.LabelStyle.Render("IP:"), d.IP)
		fmt.Printf("    %s %s\n", ui.LabelStyle.Render("Version:"), d.Version)
		if d.ProductKey != "" {
			fmt.Printf("    %s %s\n", ui.LabelStyle.Render("Product:"), d.ProductKey)
		}
		fmt.Println()
	}

	fmt.Println("Use 'tuyalan devices add <id>' to store a device's local key")
	return nil
}

// statusCmd reads device data points
var statusCmd = &cobra.Command{
	Use:   "status <device>",
	Short: "Read device data points",
	Long: `Connect to a device and query its data points.

The device argument is a registry ID or nickname; an unregistered device
works too when --ip and --key are given.`,
	Example: `  tuyalan status porch-light
  tuyalan status 22325186db4a2217dc8e --ip 192.168.1.40 --key 4226aa407d5c1e2b --protocol 3.3
  tuyalan status porch-light --dps 20 --schema=false`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := buildDevice(args[0])
	if err != nil {
		return err
	}
	defer d.Close()

	result, err := d.Get(context.Background(), tuyalan.GetOptions{Schema: schemaOutput, DPS: dpIndex})
	if err != nil {
		return err
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	switch v := result.(type) {
	case map[string]any:
		fmt.Println(ui.TitleStyle.Render("DATA POINTS"))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if len(keys[i]) != len(keys[j]) {
				return len(keys[i]) < len(keys[j])
			}
			return keys[i] < keys[j]
		})
		for _, k := range keys {
			fmt.Printf("  %s %v\n", ui.LabelStyle.Render(fmt.Sprintf("DP %-4s", k)), v[k])
		}
	default:
		fmt.Printf("%v\n", v)
	}
	return nil
}

// setCmd writes one data point
var setCmd = &cobra.Command{
	Use:   "set <device> <value>",
	Short: "Write a device data point",
	Long: `Write one data point and wait for the device's status report.

Values are parsed as booleans or numbers when possible, JSON when the text
looks like it, and plain strings otherwise.`,
	Example: `  tuyalan set porch-light true
  tuyalan set heater --dps 2 23
  tuyalan set strip --dps 5 '"ffffff"'`,
	Args: cobra.ExactArgs(2),
	RunE: runSet,
}

func runSet(cmd *cobra.Command, args []string) error {
	d, err := buildDevice(args[0])
	if err != nil {
		return err
	}
	defer d.Close()

	wait := !noWaitForResp
	result, err := d.Set(context.Background(), tuyalan.SetOptions{
		DPS:                   dpIndex,
		Set:                   parseValue(args[1]),
		ShouldWaitForResponse: &wait,
	})
	if err != nil {
		return err
	}
	if !wait {
		fmt.Println("sent")
		return nil
	}
	out, _ := json.Marshal(result)
	fmt.Println(string(out))
	return nil
}

// toggleCmd flips a boolean data point
var toggleCmd = &cobra.Command{
	Use:     "toggle <device>",
	Short:   "Toggle a boolean data point",
	Example: `  tuyalan toggle porch-light`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDevice(args[0])
		if err != nil {
			return err
		}
		defer d.Close()

		val, err := d.Toggle(context.Background(), dpIndex)
		if err != nil {
			return err
		}
		fmt.Printf("DP %d is now %v\n", dpIndex, val)
		return nil
	},
}

// watchCmd runs the live dashboard
var watchCmd = &cobra.Command{
	Use:   "watch <device>",
	Short: "Live dashboard of device data points and events",
	Long: `Connect to a device and render its data points live, updating as the
device reports. Quit with q.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	d, err := buildDevice(args[0])
	if err != nil {
		return err
	}
	defer d.Close()

	sub := d.Subscribe()
	defer sub.Close()

	p := tea.NewProgram(ui.NewWatch(d.ID()))

	go func() {
		for ev := range sub.Events() {
			p.Send(ui.EventMsg{Event: ev})
		}
	}()
	go func() {
		if err := d.Connect(context.Background()); err != nil {
			p.Send(ui.EventMsg{Event: tuyalan.EventError{Err: err}})
		}
	}()

	_, err = p.Run()
	return err
}

// devicesCmd groups registry management
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage the device registry",
}

var devicesAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Store a device and its local key in the registry",
	Long: `Store a device in the registry. The 16-byte local key is prompted
without echo and saved with user-only file permissions.`,
	Args: cobra.ExactArgs(1),
	RunE: runDevicesAdd,
}

func runDevicesAdd(cmd *cobra.Command, args []string) error {
	id := args[0]

	fmt.Print("Local key (16 bytes, input hidden): ")
	keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}
	key := strings.TrimSpace(string(keyBytes))
	if len(key) != 16 {
		return fmt.Errorf("local key must be exactly 16 bytes (got %d)", len(key))
	}

	reg, err := config.LoadRegistry()
	if err != nil {
		return err
	}
	entry := reg.EnsureDevice(id)
	entry.Key = key
	entry.IP = deviceIP
	entry.Protocol = deviceProto
	entry.Nickname = addNickname
	entry.LastSeen = time.Now()

	if err := reg.Save(); err != nil {
		return err
	}
	fmt.Printf("Stored %s\n", id)
	return nil
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := config.LoadRegistry()
		if err != nil {
			return err
		}
		if len(reg.Devices) == 0 {
			fmt.Println("No devices registered. Use 'tuyalan devices add <id>'.")
			return nil
		}
		fmt.Println(ui.TitleStyle.Render("REGISTERED DEVICES"))
		fmt.Println()
		ids := make([]string, 0, len(reg.Devices))
		for id := range reg.Devices {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			d := reg.Devices[id]
			name := id
			if d.Nickname != "" {
				name = fmt.Sprintf("%s (%s)", d.Nickname, id)
			}
			fmt.Printf("  %s\n", ui.ValueStyle.Render(name))
			if d.IP != "" {
				fmt.Printf("    %s %s\n", ui.LabelStyle.Render("IP:"), d.IP)
			}
			fmt.Printf("    %s %s\n", ui.LabelStyle.Render("Version:"), d.Protocol)
			fmt.Println()
		}
		return nil
	},
}

var devicesRemoveCmd = &cobra.Command{
	Use:   "remove <device>",
	Short: "Remove a device from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := config.LoadRegistry()
		if err != nil {
			return err
		}
		if !reg.RemoveDevice(args[0]) {
			return fmt.Errorf("no device %q in registry", args[0])
		}
		if err := reg.Save(); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

// buildDevice resolves a registry ID or nickname (plus flag overrides) into
// a connected-ready Device, running discovery when no IP is known.
func buildDevice(name string) (*tuyalan.Device, error) {
	opts, err := tuyalan.FromRegistry(name)
	if err != nil {
		if !tuyalan.IsConfigError(err) {
			return nil, err
		}
		// Not registered: flags must carry everything
		opts = tuyalan.Options{ID: name}
	}
	if deviceIP != "" {
		opts.IP = deviceIP
	}
	if deviceKey != "" {
		opts.Key = deviceKey
	}
	if deviceProto != "" {
		opts.Version = deviceProto
	}
	if opts.Key == "" {
		return nil, fmt.Errorf("no local key for %q: register it with 'tuyalan devices add' or pass --key", name)
	}

	d, err := tuyalan.New(opts)
	if err != nil {
		return nil, err
	}
	if opts.IP == "" {
		fmt.Fprintln(os.Stderr, "Resolving device IP from broadcasts...")
		if err := d.Find(context.Background()); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// parseValue interprets a CLI value argument: bool, number, JSON, or string.
func parseValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
