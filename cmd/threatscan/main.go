package main

import (
	"context"
	"fmt"
	"os"

	mylog "threatscan/internal/log"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	mylog.InitLogger()

	args := os.Args
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "No command specified.")
		args = append(args, "--help")
	}

	ctx := context.Background()
	if err := newApp().Run(ctx, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return 0
}
