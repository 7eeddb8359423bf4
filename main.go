package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"codex-loop/config"
	"codex-loop/log"
	"codex-loop/web"
	"codex-loop/wrapper"
)

var (
	bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var (
	widthFlag      int
	heightFlag     int
	socketPathFlag string
	webAddrFlag    string
	autostartFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "codex-loop [command [args...]]",
	Short: "Automation wrapper for interactive AI CLI tools",
	Long: "codex-loop runs an interactive AI CLI inside a virtual terminal, tracks its\n" +
		"UI state, separates tool invocations from free text, and republishes\n" +
		"everything to socket clients as newline-delimited JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			log.WarningLog.Printf("using default config: %v", err)
		}

		program := cfg.DefaultProgram
		var programArgs []string
		if len(args) > 0 {
			program = args[0]
			programArgs = args[1:]
		}
		width := cfg.Width
		if cmd.Flags().Changed("width") {
			width = widthFlag
		}
		height := cfg.Height
		if cmd.Flags().Changed("height") {
			height = heightFlag
		}
		webAddr := cfg.WebAddr
		if cmd.Flags().Changed("web-addr") {
			webAddr = webAddrFlag
		}

		w := wrapper.New(wrapper.Options{
			Program:           program,
			Args:              programArgs,
			Width:             width,
			Height:            height,
			SocketPath:        socketPathFlag,
			PromptTerminators: cfg.PromptTerminators,
			HistoryLimit:      cfg.HistoryLimit,
			AutostartInput:    autostartFlag,
		})

		var monitor *web.Server
		if webAddr != "" {
			monitor = web.NewServer(webAddr, w)
			w.AddSink(monitor)
		}

		if err := w.Start(); err != nil {
			return err
		}
		defer w.Quit()
		if monitor != nil {
			monitor.Start()
			defer func() {
				if err := monitor.Stop(); err != nil {
					log.FileOnlyWarningLog.Printf("error stopping web monitor: %v", err)
				}
			}()
		}

		fmt.Println(bannerStyle.Render("codex-loop") + " wrapping " + program)
		if socketPathFlag != "" {
			fmt.Println(dimStyle.Render("socket: " + socketPathFlag))
		}
		fmt.Println(dimStyle.Render("logs: " + log.LogFileName()))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		// When stdin is a terminal, lines typed at the wrapper are fed to
		// the session directly, so it is usable without a socket client.
		inputCh := make(chan string)
		if term.IsTerminal(int(os.Stdin.Fd())) {
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					inputCh <- scanner.Text()
				}
				close(inputCh)
			}()
		}

		for {
			select {
			case <-sigCh:
				w.Quit()
				return nil
			case <-w.Done():
				fmt.Println(dimStyle.Render(program + " exited"))
				return nil
			case line, ok := <-inputCh:
				if !ok {
					inputCh = nil
					continue
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				if err := w.SendInput(line); err != nil {
					fmt.Println(errStyle.Render(err.Error()))
				}
			}
		}
	},
}

func init() {
	rootCmd.Flags().SetInterspersed(false)
	rootCmd.Flags().IntVar(&widthFlag, "width", 240, "virtual terminal width")
	rootCmd.Flags().IntVar(&heightFlag, "height", 60, "virtual terminal height")
	rootCmd.Flags().StringVar(&socketPathFlag, "socket-path", "", "unix socket path for client communication (disabled when empty)")
	rootCmd.Flags().StringVar(&webAddrFlag, "web-addr", "", "address for the HTTP monitor (disabled when empty)")
	rootCmd.Flags().StringVar(&autostartFlag, "autostart-input", "", "input sent to the session as soon as it starts")
}

func main() {
	log.Initialize()
	defer log.Close()

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(errStyle.Render(err.Error()))
		os.Exit(1)
	}
}
