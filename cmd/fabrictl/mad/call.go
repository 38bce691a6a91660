package mad

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/containers/common/pkg/completion"
	"github.com/containers/fabrickit/cmd/fabrictl/common"
	"github.com/containers/fabrickit/cmd/fabrictl/registry"
	"github.com/containers/fabrickit/cmd/fabrictl/validate"
	"github.com/containers/fabrickit/libfabric/config"
	"github.com/containers/fabrickit/libfabric/mad"
	"github.com/containers/fabrickit/libfabric/madrpc"
	"github.com/containers/fabrickit/libfabric/overlay"
	"github.com/containers/fabrickit/libfabric/umad"
	"github.com/containers/fabrickit/pkg/errorhandling"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	callDescription = `Send one management datagram and wait for the matching reply.

The request goes to the umad device of --device/--port, or to the UDP responder
given by --overlay. Numbers may be given in decimal or with a 0x prefix.`
	callCommand = &cobra.Command{
		Use:               "call [options]",
		Args:              validate.NoArgs,
		Short:             "Send a management datagram and print the reply",
		Long:              callDescription,
		RunE:              call,
		ValidArgsFunction: completion.AutocompleteNone,
		Example:           callExample,
	}
	callExample = `fabrictl mad call --class perf --method get --attr 0x12 --lid 4
  fabrictl mad call --class smi-dr --attr 0x15 --dr-path 0,1 --format json
  fabrictl mad call --overlay 127.0.0.1:4791 --class sa --method get-table --attr 0x11 --rmpp`
)

var callOpts = struct {
	Device     string
	Port       int
	Overlay    string
	Class      string
	Method     string
	Attr       uint16
	AttrMod    uint32
	LID        uint16
	DRPath     string
	SL         uint8
	QP         uint32
	QKey       uint32
	MKey       uint64
	Mask       uint64
	OUI        uint32
	Timeout    time.Duration
	Retries    int
	TID        uint64
	DataOffset int
	DataSize   int
	Payload    string
	RMPP       bool
	Format     string
	Capture    int
}{}

func init() {
	registry.Commands = append(registry.Commands, registry.CliCommand{
		Command: callCommand,
		Parent:  madCmd,
	})
	defaults := config.Default()
	flags := callCommand.Flags()

	deviceFlagName := "device"
	flags.StringVarP(&callOpts.Device, deviceFlagName, "d", defaults.UMAD.Device, "RDMA device (default first device)")
	_ = callCommand.RegisterFlagCompletionFunc(deviceFlagName, common.AutocompleteDevices)

	portFlagName := "port"
	flags.IntVarP(&callOpts.Port, portFlagName, "P", defaults.UMAD.Port, "Device port")
	_ = callCommand.RegisterFlagCompletionFunc(portFlagName, completion.AutocompleteNone)

	overlayFlagName := "overlay"
	flags.StringVar(&callOpts.Overlay, overlayFlagName, defaults.Overlay.Address, "Send to the UDP overlay responder at `ADDR` instead of a device")
	_ = callCommand.RegisterFlagCompletionFunc(overlayFlagName, completion.AutocompleteNone)

	classFlagName := "class"
	flags.StringVarP(&callOpts.Class, classFlagName, "c", "perf", "Management class name or number")
	_ = callCommand.RegisterFlagCompletionFunc(classFlagName, common.AutocompleteClass)

	methodFlagName := "method"
	flags.StringVarP(&callOpts.Method, methodFlagName, "m", "get", "Method name or number")
	_ = callCommand.RegisterFlagCompletionFunc(methodFlagName, common.AutocompleteMethod)

	attrFlagName := "attr"
	flags.Uint16VarP(&callOpts.Attr, attrFlagName, "a", 0, "Attribute id")
	_ = callCommand.RegisterFlagCompletionFunc(attrFlagName, completion.AutocompleteNone)

	attrModFlagName := "attr-mod"
	flags.Uint32Var(&callOpts.AttrMod, attrModFlagName, 0, "Attribute modifier")
	_ = callCommand.RegisterFlagCompletionFunc(attrModFlagName, completion.AutocompleteNone)

	lidFlagName := "lid"
	flags.Uint16VarP(&callOpts.LID, lidFlagName, "l", 0, "Destination LID")
	_ = callCommand.RegisterFlagCompletionFunc(lidFlagName, completion.AutocompleteNone)

	drPathFlagName := "dr-path"
	flags.StringVar(&callOpts.DRPath, drPathFlagName, "0", "Directed route as comma separated egress ports")
	_ = callCommand.RegisterFlagCompletionFunc(drPathFlagName, completion.AutocompleteNone)

	slFlagName := "sl"
	flags.Uint8Var(&callOpts.SL, slFlagName, 0, "Service level")
	_ = callCommand.RegisterFlagCompletionFunc(slFlagName, completion.AutocompleteNone)

	qpFlagName := "qp"
	flags.Uint32Var(&callOpts.QP, qpFlagName, 0, "Destination QP (1 for GSI classes when 0)")
	_ = callCommand.RegisterFlagCompletionFunc(qpFlagName, completion.AutocompleteNone)

	qkeyFlagName := "qkey"
	flags.Uint32Var(&callOpts.QKey, qkeyFlagName, 0, "Destination Q_Key (well-known GSI key when 0)")
	_ = callCommand.RegisterFlagCompletionFunc(qkeyFlagName, completion.AutocompleteNone)

	mkeyFlagName := "mkey"
	flags.Uint64Var(&callOpts.MKey, mkeyFlagName, 0, "SMP management key")
	_ = callCommand.RegisterFlagCompletionFunc(mkeyFlagName, completion.AutocompleteNone)

	maskFlagName := "mask"
	flags.Uint64Var(&callOpts.Mask, maskFlagName, 0, "SA component mask")
	_ = callCommand.RegisterFlagCompletionFunc(maskFlagName, completion.AutocompleteNone)

	ouiFlagName := "oui"
	flags.Uint32Var(&callOpts.OUI, ouiFlagName, 0, "Vendor OUI of vendor range 2 classes")
	_ = callCommand.RegisterFlagCompletionFunc(ouiFlagName, completion.AutocompleteNone)

	timeoutFlagName := "timeout"
	flags.DurationVarP(&callOpts.Timeout, timeoutFlagName, "t", defaults.RPC.Timeout(), "Reply timeout of each attempt")
	_ = callCommand.RegisterFlagCompletionFunc(timeoutFlagName, completion.AutocompleteNone)

	retriesFlagName := "retries"
	flags.IntVarP(&callOpts.Retries, retriesFlagName, "r", defaults.RPC.Retries, "Number of attempts")
	_ = callCommand.RegisterFlagCompletionFunc(retriesFlagName, completion.AutocompleteNone)

	tidFlagName := "tid"
	flags.Uint64Var(&callOpts.TID, tidFlagName, 0, "Transaction id (generated when 0)")
	_ = callCommand.RegisterFlagCompletionFunc(tidFlagName, completion.AutocompleteNone)

	dataOffsetFlagName := "data-offset"
	flags.IntVar(&callOpts.DataOffset, dataOffsetFlagName, 64, "Offset of the payload in the MAD")
	_ = callCommand.RegisterFlagCompletionFunc(dataOffsetFlagName, completion.AutocompleteNone)

	dataSizeFlagName := "data-size"
	flags.IntVar(&callOpts.DataSize, dataSizeFlagName, 0, "Size of the payload and of the returned data")
	_ = callCommand.RegisterFlagCompletionFunc(dataSizeFlagName, completion.AutocompleteNone)

	payloadFlagName := "payload"
	flags.StringVar(&callOpts.Payload, payloadFlagName, "", "Request payload as hex")
	_ = callCommand.RegisterFlagCompletionFunc(payloadFlagName, completion.AutocompleteNone)

	flags.BoolVar(&callOpts.RMPP, "rmpp", false, "Use a reliable multi-packet transaction")

	formatFlagName := "format"
	flags.StringVarP(&callOpts.Format, formatFlagName, "f", "", "Print the reply as json or yaml")
	_ = callCommand.RegisterFlagCompletionFunc(formatFlagName, common.AutocompleteFormat)

	captureFlagName := "capture"
	flags.IntVar(&callOpts.Capture, captureFlagName, 0, "Also print the first `N` bytes of the request MAD")
	_ = callCommand.RegisterFlagCompletionFunc(captureFlagName, completion.AutocompleteNone)
}

// CallReport is the printed result of a transaction.
type CallReport struct {
	TID      string      `json:"tid" yaml:"tid"`
	Length   int         `json:"length" yaml:"length"`
	Status   uint16      `json:"status" yaml:"status"`
	NoBuffer bool        `json:"noBuffer,omitempty" yaml:"noBuffer,omitempty"`
	Data     string      `json:"data,omitempty" yaml:"data,omitempty"`
	RMPP     *RMPPReport `json:"rmpp,omitempty" yaml:"rmpp,omitempty"`
	Request  string      `json:"request,omitempty" yaml:"request,omitempty"`
}

// RMPPReport is the decoded RMPP header of a reply.
type RMPPReport struct {
	Version uint8  `json:"version" yaml:"version"`
	Type    uint8  `json:"type" yaml:"type"`
	Flags   uint8  `json:"flags" yaml:"flags"`
	Status  uint8  `json:"status" yaml:"status"`
	Data1   uint32 `json:"data1" yaml:"data1"`
	Data2   uint32 `json:"data2" yaml:"data2"`
	RecSize int    `json:"recSize" yaml:"recSize"`
}

func call(cmd *cobra.Command, args []string) error {
	if err := common.ValidateFormat(callOpts.Format); err != nil {
		return err
	}
	cfg := registry.Config()
	flags := cmd.Flags()
	if !flags.Changed("device") {
		callOpts.Device = cfg.UMAD.Device
	}
	if !flags.Changed("port") {
		callOpts.Port = cfg.UMAD.Port
	}
	if !flags.Changed("overlay") {
		callOpts.Overlay = cfg.Overlay.Address
	}
	if !flags.Changed("timeout") {
		callOpts.Timeout = cfg.RPC.Timeout()
	}
	if !flags.Changed("retries") {
		callOpts.Retries = cfg.RPC.Retries
	}

	rpc, dport, err := buildRequest()
	if err != nil {
		return err
	}
	var payload []byte
	if callOpts.Payload != "" {
		if payload, err = parsePayload(callOpts.Payload); err != nil {
			return err
		}
		if rpc.DataSize == 0 {
			rpc.DataSize = len(payload)
		}
	}

	engine, err := openEngine(cfg, rpc.MgmtClass)
	if err != nil {
		return err
	}
	defer errorhandling.CloseQuiet(engine, "management datagram engine")

	// The lock is shared with other fabrictl processes when
	// rpc.lock_type is "file".
	if err := engine.Lock(); err != nil {
		return err
	}
	if callOpts.Capture > 0 {
		engine.ArmCapture(callOpts.Capture)
	}
	var resp *madrpc.Response
	if callOpts.RMPP {
		resp, err = engine.CallRMPP(rpc, dport, nil, payload)
	} else {
		resp, err = engine.Call(rpc, dport, payload)
	}
	capture := engine.LastCapture()
	if uerr := engine.Unlock(); uerr != nil {
		logrus.Errorf("Releasing engine lock: %v", uerr)
	}
	if err != nil {
		return err
	}

	report := newCallReport(resp, capture)
	if callOpts.Format != "" {
		return common.WriteFormatted(os.Stdout, callOpts.Format, report)
	}
	printReport(os.Stdout, report, resp.Data, capture)
	return nil
}

func buildRequest() (*mad.RPC, *mad.PortID, error) {
	class, err := parseClass(callOpts.Class)
	if err != nil {
		return nil, nil, err
	}
	method, err := parseMethod(callOpts.Method)
	if err != nil {
		return nil, nil, err
	}
	rpc := &mad.RPC{
		MgmtClass:  class,
		Method:     method,
		Attr:       mad.Attribute{ID: callOpts.Attr, Mod: callOpts.AttrMod},
		TID:        callOpts.TID,
		Timeout:    callOpts.Timeout,
		DataOffset: callOpts.DataOffset,
		DataSize:   callOpts.DataSize,
		MKey:       callOpts.MKey,
		Mask:       callOpts.Mask,
		OUI:        callOpts.OUI,
	}
	dport := &mad.PortID{
		LID:  callOpts.LID,
		SL:   callOpts.SL,
		QP:   callOpts.QP,
		QKey: callOpts.QKey,
	}
	if class == mad.ClassSMIDirect {
		if dport.DRPath, err = parseDRPath(callOpts.DRPath); err != nil {
			return nil, nil, err
		}
		if dport.LID == 0 {
			dport.DRPath.DRSLID = mad.PermissiveLID
			dport.DRPath.DRDLID = mad.PermissiveLID
		}
	}
	return rpc, dport, nil
}

// openEngine opens the port selected by the options and registers agents
// for the configured classes and class.
func openEngine(cfg *config.Config, class uint8) (*madrpc.Engine, error) {
	var (
		port madrpc.Port
		err  error
	)
	if callOpts.Overlay != "" {
		port, err = overlay.Dial(callOpts.Overlay)
	} else {
		port, err = umad.Open(callOpts.Device, callOpts.Port)
	}
	if err != nil {
		return nil, err
	}

	classes := []uint8{class}
	for _, c := range cfg.UMAD.Classes {
		if uint8(c) != class {
			classes = append(classes, uint8(c))
		}
	}

	locker, err := cfg.RPC.Locker()
	if err != nil {
		errorhandling.CloseQuiet(port, "management port")
		return nil, err
	}
	settings := madrpc.NewSettings()
	settings.SetRetries(callOpts.Retries)
	settings.SetTimeout(callOpts.Timeout)
	settings.SetShowErrors(cfg.RPC.ShowErrors)
	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		settings.SetDebug(2)
	} else if logrus.IsLevelEnabled(logrus.DebugLevel) {
		settings.SetDebug(1)
	}

	engine, err := madrpc.Open(port, classes, madrpc.WithSettings(settings), madrpc.WithLocker(locker))
	if err != nil {
		errorhandling.CloseQuiet(port, "management port")
		return nil, errors.Wrapf(err, "opening management datagram engine")
	}
	return engine, nil
}

func newCallReport(resp *madrpc.Response, capture []byte) *CallReport {
	report := &CallReport{
		TID:      fmt.Sprintf("%#x", resp.TID),
		Length:   resp.Length,
		Status:   resp.Status,
		NoBuffer: resp.NoBuffer,
		Data:     hex.EncodeToString(resp.Data),
		Request:  hex.EncodeToString(capture),
	}
	if resp.RMPP != nil {
		report.RMPP = &RMPPReport{
			Version: resp.RMPP.Version,
			Type:    resp.RMPP.Type,
			Flags:   resp.RMPP.Flags,
			Status:  resp.RMPP.Status,
			Data1:   resp.RMPP.Data1,
			Data2:   resp.RMPP.Data2,
			RecSize: resp.RecSize,
		}
	}
	return report
}

func printReport(w io.Writer, report *CallReport, data, capture []byte) {
	fmt.Fprintf(w, "TID %s, %d bytes, status %#x\n", report.TID, report.Length, report.Status)
	if report.NoBuffer {
		fmt.Fprintln(w, "Peer had no buffer for a reply")
	}
	if r := report.RMPP; r != nil {
		fmt.Fprintf(w, "RMPP version %d type %d flags %#x status %d data1 %d data2 %d record size %d\n",
			r.Version, r.Type, r.Flags, r.Status, r.Data1, r.Data2, r.RecSize)
	}
	if len(data) > 0 {
		fmt.Fprint(w, hex.Dump(data))
	}
	if len(capture) > 0 {
		fmt.Fprintln(w, "Request:")
		fmt.Fprint(w, hex.Dump(capture))
	}
}
