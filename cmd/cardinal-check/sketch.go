package main

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cardinal.lopezb.com/internal/handle"
	"cardinal.lopezb.com/internal/hll"
	"cardinal.lopezb.com/internal/sketchio"
)

var errNoOutput = errors.New("an output file is required (-o)")

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash VALUE...",
		Short: "Print the sketch hash of values",
		Long: `Print the 64-bit hash the sketches use for each value, in decimal. The
output can be fed to the server's HLL.ADDHASH command.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, v := range args {
				fmt.Fprintf(out, "%d\t%s\n", hll.HashOf([]byte(v)), v)
			}
			return nil
		},
	}
}

func newUnionCmd(v *viper.Viper) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "union FILE FILE... -o OUT",
		Short: "Merge sketch files into one",
		Long: `Merge two or more sketch files, in any encoding or codec, into OUT. All
inputs must share the same precision.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return errNoOutput
			}

			arena := handle.NewArena()
			agg := handle.Null
			lgK := 0

			for _, path := range args {
				data, err := sketchio.ReadFile(path)
				if err != nil {
					return err
				}
				sk, err := hll.Decode(data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if lgK != 0 && sk.Precision() != lgK {
					return fmt.Errorf("%s: %w: %d vs %d", path, hll.ErrPrecisionMismatch, sk.Precision(), lgK)
				}
				lgK = sk.Precision()
				agg = arena.UnionAgg(agg, data)
			}

			return writeSketch(cmd.OutOrStdout(), v, output, arena, agg)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file")
	return cmd
}

func newBuildCmd(v *viper.Viper) *cobra.Command {
	var output string
	var hashes bool

	cmd := &cobra.Command{
		Use:   "build -o OUT",
		Short: "Build a sketch from keys read on stdin",
		Long: `Read newline-separated keys from stdin into a new sketch and write it to
OUT. Empty lines are skipped. With --hashes every line is a decimal hash, as
printed by the hash command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output == "" {
				return errNoOutput
			}
			lgK := v.GetInt("lgk")
			if lgK < hll.MinLgK || lgK > hll.MaxLgK {
				return fmt.Errorf("lgk must be between %d and %d, got %d", hll.MinLgK, hll.MaxLgK, lgK)
			}

			arena := handle.NewArena()
			h := arena.Create(lgK)

			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 64<<10), 1<<20)
			line := 0
			for scanner.Scan() {
				line++
				if !hashes {
					h = arena.UpdateWithBytes(h, scanner.Bytes())
					continue
				}
				if len(scanner.Bytes()) == 0 {
					continue
				}
				x, err := strconv.ParseUint(scanner.Text(), 10, 64)
				if err != nil {
					return fmt.Errorf("line %d: invalid hash %q", line, scanner.Text())
				}
				h = arena.UpdateWithHash(h, x)
			}
			if err := scanner.Err(); err != nil {
				return err
			}

			return writeSketch(cmd.OutOrStdout(), v, output, arena, h)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file")
	cmd.Flags().Int("lgk", hll.DefaultLgK, "sketch precision (log2 of the register count)")
	cmd.Flags().BoolVar(&hashes, "hashes", false, "read decimal hashes instead of keys")
	_ = v.BindPFlag("lgk", cmd.Flags().Lookup("lgk"))
	return cmd
}
