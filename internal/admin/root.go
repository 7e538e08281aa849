package admin

import (
	"context"
	"fmt"
	"strings"
)

// Root runs commands read from the input until EOF or "exit".
func (a *App) Root(ctx context.Context) {
	fmt.Fprintln(a.out, "GophMSN user administration (type 'help' for commands)")

	for {
		fmt.Fprint(a.out, "useradmin> ")
		line, err := a.reader.ReadString('\n')
		parts := strings.Fields(line)
		if len(parts) > 0 {
			if parts[0] == "exit" || parts[0] == "quit" {
				fmt.Fprintln(a.out, "Bye!")
				return
			}
			if cerr := a.Exec(ctx, parts); cerr != nil {
				fmt.Fprintln(a.out, "Error:", cerr)
			}
		}
		if err != nil {
			fmt.Fprintln(a.out)
			return
		}
	}
}
