package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/viper"

	"cardinal.lopezb.com/internal/handle"
	"cardinal.lopezb.com/internal/sketchio"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
)

// writeSketch encodes the sketch behind h with the output options in v and
// writes it to path.
func writeSketch(w io.Writer, v *viper.Viper, path string, arena *handle.Arena, h handle.Handle) error {
	codec, err := sketchio.ParseCodec(v.GetString("codec"))
	if err != nil {
		return err
	}

	data := arena.Serialize(h)
	if v.GetBool("compact") {
		data = arena.SerializeCompact(h)
	}
	if data == nil {
		return fmt.Errorf("nothing to write to %s", path)
	}

	if err := sketchio.WriteFile(path, data, sketchio.Options{Codec: codec}); err != nil {
		return err
	}

	okColor.Fprintf(w, "wrote %s (%s raw, codec %s, estimate ~%s)\n",
		path, humanize.IBytes(uint64(len(data))), codec, humanize.Comma(int64(arena.Estimate(h)+0.5)))
	return nil
}
