package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/philsphicas/blazeproxy/internal/frame"
	"github.com/philsphicas/blazeproxy/internal/protocol"
)

// DecodeCmd renders a capture of back-to-back frames.
type DecodeCmd struct {
	File    string `arg:"" optional:"" default:"-" help:"Capture file ('-' reads stdin)."`
	Hex     bool   `help:"Input is hex text; whitespace is ignored."`
	Framing string `default:"blaze" enum:"blaze,simple" help:"Frame delimiting convention (${enum})."`
}

func (c *DecodeCmd) Run(kctx *kong.Context) error {
	var r io.Reader = os.Stdin
	if c.File != "-" {
		f, err := os.Open(c.File)
		if err != nil {
			return err
		}
		defer f.Close() //nolint:errcheck // read-only
		r = f
	}
	return c.decode(r, kctx.Stdout)
}

func (c *DecodeCmd) decode(r io.Reader, w io.Writer) error {
	format, err := frame.ParseFormat(c.Framing)
	if err != nil {
		return err
	}
	if c.Hex {
		text, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		raw, err := hex.DecodeString(strings.Join(strings.Fields(string(text)), ""))
		if err != nil {
			return fmt.Errorf("decode hex: %w", err)
		}
		r = bytes.NewReader(raw)
	}

	fr := frame.NewReader(r, format, 0)
	for n := 0; ; n++ {
		offset := fr.Offset()
		f, err := fr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("frame %d at offset %d: %w", n, offset, err)
		}
		p, err := protocol.Decode(f)
		if err != nil {
			fmt.Fprintf(w, "#%d offset=%d length=%d decode fault: %v\n", n, offset, len(f), err)
			continue
		}
		fmt.Fprintf(w, "#%d offset=%d %s\n", n, offset, p)
	}
}
