// largeblob-cli reads, writes, and removes entries in the largeBlobArray
// of a connected FIDO2 USB HID security key.
//
// Usage:
//
//	largeblob-cli [options] <get|put|remove|trim>
//
// Options:
//
//	-key      hex-encoded 32-byte largeBlobKey (required for get/put/remove)
//	-pin      authenticator PIN (put/remove/trim always request a pinUvAuthToken with it)
//	-in       file to read plaintext from for put (default: stdin)
//	-out      file to write plaintext to for get (default: stdout)
//	-vendor   USB vendor ID filter, decimal or 0x-prefixed hex (default: match any)
//	-product  USB product ID filter, decimal or 0x-prefixed hex (default: match any)
//
// Example:
//
//	largeblob-cli -key 0102...1f20 -pin 1234 get
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/SigmaG33/ctap2largeblob/pkg/credmgmt"
	"github.com/SigmaG33/ctap2largeblob/pkg/hiddevice"
	"github.com/SigmaG33/ctap2largeblob/pkg/largeblob"
	"github.com/SigmaG33/ctap2largeblob/pkg/pinuv"
)

func main() {
	keyHex := flag.String("key", "", "hex-encoded 32-byte largeBlobKey")
	pin := flag.String("pin", "", "authenticator PIN")
	inPath := flag.String("in", "", "file to read plaintext from (default: stdin)")
	outPath := flag.String("out", "", "file to write plaintext to (default: stdout)")
	vendor := flag.Uint("vendor", 0, "USB vendor ID filter, decimal or 0x-prefixed hex")
	product := flag.Uint("product", 0, "USB product ID filter, decimal or 0x-prefixed hex")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: largeblob-cli [options] <get|put|remove|trim>")
		os.Exit(2)
	}
	op := flag.Arg(0)

	dev, err := hiddevice.Open(uint16(*vendor), uint16(*product))
	if err != nil {
		log.Fatalf("open authenticator: %v", err)
	}
	defer dev.Close()

	engine, err := largeblob.New(dev, pinuv.Client{})
	if err != nil {
		log.Fatalf("initialize largeblob engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch op {
	case "get":
		key, err := parseKey(*keyHex)
		if err != nil {
			log.Fatalf("%v", err)
		}
		plaintext, err := engine.Get(ctx, key)
		if err != nil {
			log.Fatalf("get: %v", err)
		}
		if err := writeOutput(*outPath, plaintext); err != nil {
			log.Fatalf("write output: %v", err)
		}
	case "put":
		key, err := parseKey(*keyHex)
		if err != nil {
			log.Fatalf("%v", err)
		}
		plaintext, err := readInput(*inPath)
		if err != nil {
			log.Fatalf("read input: %v", err)
		}
		if err := engine.Put(ctx, key, plaintext, *pin); err != nil {
			log.Fatalf("put: %v", err)
		}
	case "remove":
		key, err := parseKey(*keyHex)
		if err != nil {
			log.Fatalf("%v", err)
		}
		if err := engine.Remove(ctx, key, *pin); err != nil {
			log.Fatalf("remove: %v", err)
		}
	case "trim":
		if err := engine.Trim(ctx, *pin, credmgmt.NewClient()); err != nil {
			log.Fatalf("trim: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown operation %q\n", op)
		os.Exit(2)
	}
}

func parseKey(s string) (largeblob.Key, error) {
	var key largeblob.Key
	if s == "" {
		return key, fmt.Errorf("-key is required")
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid -key: %w", err)
	}
	if len(raw) != largeblob.KeySize {
		return key, fmt.Errorf("-key must decode to %d bytes, got %d", largeblob.KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
