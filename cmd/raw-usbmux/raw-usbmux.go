// A simple tool for sending raw plist messages to usbmuxd.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/blacktop/go-plist"
	sidekit "github.com/prife/gosidekit"
	"github.com/prife/gosidekit/wire"
)

var (
	network = flag.String("n", sidekit.DefaultMuxNetwork, "`network` usbmuxd is listening on")
	address = flag.String("a", sidekit.DefaultMuxAddress, "usbmuxd `address`")
)

func main() {
	flag.Parse()

	fmt.Println("using", *network, *address)
	fmt.Println(`type a MessageType, optionally followed by key=value pairs, e.g. "ReadPairRecord PairRecordID=<udid>"`)

	printDevices()

	for {
		line := readLine()
		if line == "" {
			continue
		}
		err := doCommand(line)
		if err != nil {
			fmt.Println("error:", err)
		}
	}
}

func printDevices() {
	err := doCommand("ListDevices")
	if err != nil {
		log.Fatal(err)
	}
}

func readLine() string {
	fmt.Print("> ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err == io.EOF {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal(err)
	}
	return strings.TrimSpace(line)
}

func doCommand(line string) error {
	client, err := sidekit.NewWithConfig(sidekit.MuxConfig{Network: *network, Address: *address})
	if err != nil {
		log.Fatal(err)
	}

	conn, err := client.Dial(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	fields := strings.Fields(line)
	msg := map[string]any{
		"MessageType":         fields[0],
		"ProgName":            wire.UsbmuxProgName,
		"ClientVersionString": wire.UsbmuxClientVersion,
		"BundleID":            wire.UsbmuxBundleID,
	}
	for _, kv := range fields[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("bad argument %q, want key=value", kv)
		}
		msg[k] = v
	}

	mux := wire.NewUsbmux(conn)
	if _, err := mux.Send(msg); err != nil {
		return err
	}

	// Listen keeps streaming events until the user interrupts.
	for {
		data, hdr, err := wire.ReadUsbmuxPacket(mux)
		if err != nil {
			return err
		}
		var v any
		if _, err := plist.Unmarshal(data, &v); err != nil {
			return err
		}
		out, err := plist.MarshalIndent(v, plist.XMLFormat, "  ")
		if err != nil {
			return err
		}
		fmt.Printf("tag %d> %s\n", hdr.Tag, out)
		if fields[0] != "Listen" {
			return nil
		}
	}
}
