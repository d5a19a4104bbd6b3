package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alxayo/rtmpjoin/internal/show"
)

// rtmpjoin-show writes a synthetic FLV stream to standard output, letting
// the mixer and dispatcher be exercised locally without a live RTMP
// publisher. Optional first argument is a frame count; absent or 0 runs
// until interrupted.
func main() {
	duration := 0
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil || n < 0 {
			fmt.Fprintf(os.Stderr, "rtmpjoin-show: invalid frame count %q\n", os.Args[1])
			os.Exit(2)
		}
		duration = n
	}

	done := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		close(done)
	}()

	p := show.NewProducer(30, duration, nil)
	if err := p.Run(os.Stdout, done); err != nil {
		fmt.Fprintln(os.Stderr, "rtmpjoin-show:", err)
		os.Exit(1)
	}
}
