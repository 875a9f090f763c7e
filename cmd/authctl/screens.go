package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/signalix/sessionkit/internal/app"
	"github.com/signalix/sessionkit/internal/model"
	"github.com/signalix/sessionkit/internal/onboarding"
)

var errQuit = errors.New("quit")

type terminal struct {
	in  *bufio.Scanner
	out io.Writer
}

func newTerminal(in io.Reader, out io.Writer) *terminal {
	return &terminal{in: bufio.NewScanner(in), out: out}
}

func (t *terminal) say(line string) {
	fmt.Fprintln(t.out, line)
}

// ask prompts and reads one trimmed line. End of input quits the flow.
func (t *terminal) ask(prompt string) (string, error) {
	fmt.Fprint(t.out, prompt+": ")
	if !t.in.Scan() {
		if err := t.in.Err(); err != nil {
			return "", err
		}
		return "", errQuit
	}
	return strings.TrimSpace(t.in.Text()), nil
}

type screen func(ctx context.Context, m *onboarding.Machine, t *terminal) error

// flowScreens has one prompt per step. Complete is never shown: reaching it
// navigates away.
func flowScreens() onboarding.Screens[screen] {
	return onboarding.Screens[screen]{
		model.StepWelcome:              welcomeScreen,
		model.StepLogin:                loginScreen,
		model.StepEmailRegistration:    emailScreen,
		model.StepEmailVerification:    codeScreen(func(m *onboarding.Machine) func(context.Context, string) error { return m.VerifyEmail }),
		model.StepPhoneVerification:    phoneScreen,
		model.StepPhoneOTPVerification: codeScreen(func(m *onboarding.Machine) func(context.Context, string) error { return m.VerifyPhone }),
		model.StepLocationSetup:        locationScreen,
		model.StepEstateSelection:      estateScreen,
		model.StepProfileSetup:         profileScreen,
		model.StepComplete:             func(context.Context, *onboarding.Machine, *terminal) error { return nil },
	}
}

// drive shows screens until the flow navigates away
func drive(ctx context.Context, a *app.App, t *terminal, nav *navigator) error {
	screens := flowScreens()
	for nav.arrived == "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		show, err := screens.Lookup(a.Machine.Step())
		if err != nil {
			return err
		}
		err = show(ctx, a.Machine, t)
		switch {
		case err == nil:
		case errors.Is(err, errQuit):
			return a.Machine.Abandon(ctx)
		case model.IsCorrectable(err), model.IsRetryable(err):
			t.say("! " + err.Error())
		default:
			return err
		}
	}

	if nav.arrived == onboarding.DestinationDashboard {
		snap := a.Session.Snapshot()
		name := "unknown user"
		if snap.User != nil {
			name = strings.TrimSpace(snap.User.FirstName + " " + snap.User.LastName)
			if name == "" {
				name = snap.User.ID
			}
		}
		t.say("signed in as " + name)
	}
	return nil
}

func welcomeScreen(ctx context.Context, m *onboarding.Machine, t *terminal) error {
	choice, err := t.ask("sign in or register? [l/r]")
	if err != nil {
		return err
	}
	switch strings.ToLower(choice) {
	case "l", "login":
		return m.ChooseLogin(ctx)
	case "r", "register":
		return m.ChooseRegistration(ctx)
	case "quit":
		return errQuit
	}
	return model.Validationf("authctl.welcome", "answer l or r")
}

func loginScreen(ctx context.Context, m *onboarding.Machine, t *terminal) error {
	v, err := t.ask("email or phone number (or back)")
	if err != nil {
		return err
	}
	switch {
	case v == "back":
		return m.Back(ctx)
	case strings.Contains(v, "@"):
		return m.SubmitEmail(ctx, v)
	}
	if err := m.UsePhone(ctx); err != nil {
		return err
	}
	return m.SubmitPhone(ctx, v, model.ChannelSMS)
}

func emailScreen(ctx context.Context, m *onboarding.Machine, t *terminal) error {
	v, err := t.ask("email address (or back)")
	if err != nil {
		return err
	}
	if v == "back" {
		return m.Back(ctx)
	}
	return m.SubmitEmail(ctx, v)
}

func phoneScreen(ctx context.Context, m *onboarding.Machine, t *terminal) error {
	v, err := t.ask("phone number")
	if err != nil {
		return err
	}
	if v == "back" {
		return m.Back(ctx)
	}
	channel, err := t.ask("deliver by sms or whatsapp? [sms]")
	if err != nil {
		return err
	}
	return m.SubmitPhone(ctx, v, parseChannel(channel))
}

func codeScreen(verify func(*onboarding.Machine) func(context.Context, string) error) screen {
	return func(ctx context.Context, m *onboarding.Machine, t *terminal) error {
		v, err := t.ask("code (or resend, back, quit)")
		if err != nil {
			return err
		}
		switch v {
		case "resend":
			if err := m.Resend(ctx); err != nil {
				return err
			}
			t.say("a new code is on its way")
			return nil
		case "back":
			return m.Back(ctx)
		case "quit":
			return errQuit
		}
		return verify(m)(ctx, v)
	}
}

func locationScreen(ctx context.Context, m *onboarding.Machine, t *terminal) error {
	country, err := t.ask("country")
	if err != nil {
		return err
	}
	city, err := t.ask("city")
	if err != nil {
		return err
	}
	return m.SetLocation(ctx, model.Location{Country: country, City: city})
}

func estateScreen(ctx context.Context, m *onboarding.Machine, t *terminal) error {
	v, err := t.ask("estate id (or back)")
	if err != nil {
		return err
	}
	if v == "back" {
		return m.Back(ctx)
	}
	return m.SelectEstate(ctx, v, "")
}

func profileScreen(ctx context.Context, m *onboarding.Machine, t *terminal) error {
	first, err := t.ask("first name")
	if err != nil {
		return err
	}
	last, err := t.ask("last name")
	if err != nil {
		return err
	}
	return m.SubmitProfile(ctx, model.Profile{FirstName: first, LastName: last})
}

func parseChannel(v string) model.Channel {
	if strings.EqualFold(strings.TrimSpace(v), string(model.ChannelWhatsApp)) {
		return model.ChannelWhatsApp
	}
	return model.ChannelSMS
}
