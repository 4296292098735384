package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"topicbus/broker/internal/config"
	"topicbus/broker/tools/client"
)

func main() {
	socket := flag.String("socket", config.DefaultSocketPath, "Path to the broker unix socket")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [-socket path] <username>\n", os.Args[0])
		os.Exit(1)
	}
	username := flag.Arg(0)

	c, err := client.Dial(*socket, username)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	defer c.Close()

	//1.- Broker frames stream to stdout while the prompt loop owns stdin.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Listen(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "connection lost:", err)
		}
	}()

	//2.- A console interrupt tells the broker this session is going away
	// before the process exits.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-interrupts
		_ = c.Interrupt()
		c.Close()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := c.Execute(scanner.Text()); err != nil {
			if errors.Is(err, client.ErrExit) {
				return
			}
			fmt.Fprintln(os.Stderr, err)
		}
		select {
		case <-done:
			return
		default:
		}
	}
}
