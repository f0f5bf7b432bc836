/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/blacktop/go-hvcore"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

type checkResult struct {
	Arch      string          `json:"arch"`
	HostArch  string          `json:"host_arch"`
	Features  hvcore.Features `json:"features"`
	PageSize  int             `json:"page_size"`
	Supported bool            `json:"supported"`
	Error     string          `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the host CPU for the features the core requires",
	RunE: func(cmd *cobra.Command, args []string) error {
		res := checkResult{
			Arch:     archName,
			HostArch: runtime.GOARCH,
			Features: hvcore.HostFeatures(),
			PageSize: unix.Getpagesize(),
		}
		if archName != runtime.GOARCH {
			// Features are only probed on the architecture we run on.
			res.Features = hvcore.Features{PAE: archName == "amd64", XSAVE: archName == "amd64"}
		}
		err := hvcore.CheckFeatures(archName, res.Features)
		res.Supported = err == nil
		if err != nil {
			res.Error = err.Error()
		}

		if jsonOut {
			out, err := json.Marshal(res)
			if err != nil {
				return fmt.Errorf("failed to marshal result: %w", err)
			}
			fmt.Println(string(out))
			return nil
		}

		yes := color.New(color.FgGreen).SprintFunc()
		no := color.New(color.FgRed).SprintFunc()
		mark := func(ok bool) string {
			if ok {
				return yes("yes")
			}
			return no("no")
		}
		fmt.Printf("arch:      %s (host %s)\n", res.Arch, res.HostArch)
		fmt.Printf("page size: %#x\n", res.PageSize)
		if archName == "amd64" {
			fmt.Printf("PAE:       %s\n", mark(res.Features.PAE))
			fmt.Printf("OSXSAVE:   %s\n", mark(res.Features.XSAVE))
		}
		fmt.Printf("supported: %s\n", mark(res.Supported))
		return err
	},
}
