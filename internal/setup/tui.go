package setup

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/sentinel/config"
)

// DefaultPath is where the wizard writes its result.
const DefaultPath = "sentinel.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// Answers holds the raw wizard input.
type Answers struct {
	Platform       string
	Symbol         string
	TestMode       bool
	MaxDailyLoss   string
	ResetTime      string
	Timezone       string
	NormalInterval string
	BlockInterval  string
	DiscordWebhook string
	TelegramToken  string
	TelegramChatID string
}

// DefaultAnswers pre-fills the form.
func DefaultAnswers() Answers {
	return Answers{
		Platform:       config.PlatformSimulate,
		MaxDailyLoss:   "500",
		ResetTime:      "04:00",
		NormalInterval: config.DefaultNormalInterval.String(),
		BlockInterval:  config.DefaultBlockInterval.String(),
	}
}

// ConfigTmp converts answers into the yaml representation and validates them.
func (a Answers) ConfigTmp() (config.ConfigTmp, error) {
	if err := validateThreshold(a.MaxDailyLoss); err != nil {
		return config.ConfigTmp{}, errors.Wrap(err, "max daily loss")
	}
	if err := validateResetTime(a.ResetTime); err != nil {
		return config.ConfigTmp{}, errors.Wrap(err, "reset time")
	}
	normal, err := time.ParseDuration(a.NormalInterval)
	if err != nil {
		return config.ConfigTmp{}, errors.Wrap(err, "normal interval")
	}
	block, err := time.ParseDuration(a.BlockInterval)
	if err != nil {
		return config.ConfigTmp{}, errors.Wrap(err, "block interval")
	}
	if block > normal {
		return config.ConfigTmp{}, errors.New("block interval must not exceed normal interval")
	}

	tmp := config.ConfigTmp{
		Platform:       a.Platform,
		Symbol:         strings.ToUpper(strings.TrimSpace(a.Symbol)),
		TestMode:       a.TestMode,
		MaxDailyLoss:   strings.TrimSpace(a.MaxDailyLoss),
		ResetTime:      strings.TrimSpace(a.ResetTime),
		Timezone:       strings.TrimSpace(a.Timezone),
		NormalInterval: normal,
		BlockInterval:  block,
	}
	if tmp.TestMode {
		tmp.Platform = config.PlatformSimulate
	}

	tmp.Notify.DiscordWebhookURL = strings.TrimSpace(a.DiscordWebhook)
	if a.TelegramToken != "" {
		chatID, err := strconv.ParseInt(strings.TrimSpace(a.TelegramChatID), 10, 64)
		if err != nil {
			return config.ConfigTmp{}, errors.Wrap(err, "telegram chat id")
		}
		tmp.Notify.TelegramToken = a.TelegramToken
		tmp.Notify.TelegramChatID = chatID
	}

	return tmp, nil
}

// WriteConfig stores tmp as yaml at path.
func WriteConfig(path string, tmp config.ConfigTmp) error {
	data, err := yaml.Marshal(tmp)
	if err != nil {
		return errors.Wrap(err, "failed to generate yaml")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "failed to save config file")
	}
	return nil
}

// RunTUI launches the terminal configuration wizard and writes the result to path.
func RunTUI(path string) error {
	if path == "" {
		path = DefaultPath
	}
	a := DefaultAnswers()
	var (
		notifyDiscord  bool
		notifyTelegram bool
		confirm        bool
	)

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("SENTINEL CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Set the daily loss limit for your account.\n"))

	fmt.Println(stepStyle.Render("STEP 1: ACCOUNT"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select Exchange Platform").
				Options(
					huh.NewOption("Binance USDⓈ-M futures", config.PlatformBinance),
					huh.NewOption("Bybit linear", config.PlatformBybit),
					huh.NewOption("Hyperliquid perps", config.PlatformHyperliquid),
					huh.NewOption("Simulation", config.PlatformSimulate),
				).
				Value(&a.Platform),
			huh.NewInput().
				Title("Symbol").
				Description("Leave empty to guard every symbol (e.g. BTCUSDT)").
				Value(&a.Symbol),
			huh.NewConfirm().
				Title("Test mode?").
				Description("Runs against the simulated account regardless of platform").
				Value(&a.TestMode),
		),
	).Run()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("SENTINEL CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 2: LIMIT"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Max daily loss").
				Description("Quote currency amount, positive (e.g. 500)").
				Value(&a.MaxDailyLoss).
				Validate(validateThreshold),
			huh.NewInput().
				Title("Daily reset time").
				Description("Local HH:MM when trading is allowed again").
				Value(&a.ResetTime).
				Validate(validateResetTime),
			huh.NewInput().
				Title("Timezone").
				Description("IANA name, empty means the host timezone").
				Value(&a.Timezone).
				Validate(validateTimezone),
		),
	).Run()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("SENTINEL CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 3: TIMING"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Normal check interval").
				Description("Duration string (e.g. 5s)").
				Value(&a.NormalInterval).
				Validate(validateDuration),
			huh.NewInput().
				Title("Block check interval").
				Description("Interval while blocking new positions (e.g. 500ms)").
				Value(&a.BlockInterval).
				Validate(validateDuration),
		),
	).Run()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("SENTINEL CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 4: ALERTS"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().Title("Send alerts to Discord?").Value(&notifyDiscord),
			huh.NewConfirm().Title("Send alerts to Telegram?").Value(&notifyTelegram),
		),
	).Run()
	if err != nil {
		return err
	}

	var alertFields []huh.Field
	if notifyDiscord {
		alertFields = append(alertFields, huh.NewInput().
			Title("Discord webhook URL").
			Value(&a.DiscordWebhook).
			EchoMode(huh.EchoModePassword))
	}
	if notifyTelegram {
		alertFields = append(alertFields,
			huh.NewInput().
				Title("Telegram bot token").
				Value(&a.TelegramToken).
				EchoMode(huh.EchoModePassword),
			huh.NewInput().
				Title("Telegram chat id").
				Value(&a.TelegramChatID).
				Validate(func(s string) error {
					_, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
					return err
				}),
		)
	}
	if len(alertFields) > 0 {
		if err := huh.NewForm(huh.NewGroup(alertFields...)).Run(); err != nil {
			return err
		}
	}

	tmp, err := a.ConfigTmp()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("SENTINEL CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))

	symbol := tmp.Symbol
	if symbol == "" {
		symbol = "all"
	}
	summary := fmt.Sprintf(
		"Platform: %s\nSymbol: %s\nMax daily loss: %s\nReset: %s\nIntervals: %s / %s\n",
		tmp.Platform, symbol, tmp.MaxDailyLoss, tmp.ResetTime, tmp.NormalInterval, tmp.BlockInterval,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return errors.New("setup cancelled by user")
	}

	if err := WriteConfig(path, tmp); err != nil {
		return err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s", path)))
	return nil
}

func validateThreshold(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be greater than zero")
	}
	return nil
}

func validateResetTime(s string) error {
	_, _, err := config.ParseResetTime(s)
	return err
}

func validateTimezone(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	_, err := time.LoadLocation(strings.TrimSpace(s))
	return err
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}
