package onboarding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signalix/sessionkit/internal/logger"
	"github.com/signalix/sessionkit/internal/metrics"
	"github.com/signalix/sessionkit/internal/model"
	"github.com/signalix/sessionkit/internal/session"
)

// EmailCodes is the email one-time-code adapter
type EmailCodes interface {
	RequestCode(ctx context.Context, email string, purpose model.Purpose) error
	VerifyCode(ctx context.Context, email, code string, purpose model.Purpose) (model.IdentityResult, error)
}

// PhoneCodes is the phone one-time-code adapter
type PhoneCodes interface {
	Normalize(phone string) (string, error)
	RequestCode(ctx context.Context, phone string, purpose model.Purpose, channel model.Channel) error
	VerifyCode(ctx context.Context, phone, code string, purpose model.Purpose) (model.IdentityResult, error)
}

// Federated is the federated sign-in adapter
type Federated interface {
	SignIn(ctx context.Context, idToken string) (model.IdentityResult, error)
}

// ProfileUpdater submits the completed registration details
type ProfileUpdater interface {
	UpdateProfile(ctx context.Context, accessToken string, profile model.Profile, location model.Location) (*model.User, error)
}

// Destination is where the presentation layer goes when the flow leaves onboarding
type Destination string

const (
	DestinationDashboard Destination = "dashboard"
	DestinationWelcome   Destination = "welcome"
)

// Navigator moves the presentation layer to a destination
type Navigator interface {
	Navigate(ctx context.Context, to Destination) error
}

// NavigatorFunc adapts a function to Navigator
type NavigatorFunc func(ctx context.Context, to Destination) error

func (f NavigatorFunc) Navigate(ctx context.Context, to Destination) error { return f(ctx, to) }

// FederatedPolicy decides where a returning federated user without a verified phone goes
type FederatedPolicy int

const (
	// PolicyTrustProvider sends returning users straight to the dashboard
	PolicyTrustProvider FederatedPolicy = iota
	// PolicyRequirePhone sends any user without a verified phone to phone verification
	PolicyRequirePhone
)

var transitions = map[model.Step][]model.Step{
	model.StepWelcome:              {model.StepLogin, model.StepEmailRegistration, model.StepPhoneVerification, model.StepLocationSetup, model.StepComplete},
	model.StepLogin:                {model.StepWelcome, model.StepEmailVerification, model.StepPhoneVerification, model.StepLocationSetup, model.StepComplete},
	model.StepEmailRegistration:    {model.StepWelcome, model.StepEmailVerification, model.StepPhoneVerification, model.StepLocationSetup, model.StepComplete},
	model.StepEmailVerification:    {model.StepLogin, model.StepEmailRegistration, model.StepPhoneVerification, model.StepComplete},
	model.StepPhoneVerification:    {model.StepLogin, model.StepPhoneOTPVerification},
	model.StepPhoneOTPVerification: {model.StepPhoneVerification, model.StepLocationSetup, model.StepComplete},
	model.StepLocationSetup:        {model.StepEstateSelection},
	model.StepEstateSelection:      {model.StepLocationSetup, model.StepProfileSetup},
	model.StepProfileSetup:         {model.StepEstateSelection, model.StepComplete},
}

// predecessors drive Back for the registration branch; login mode overrides some
var predecessors = map[model.Step]model.Step{
	model.StepLogin:                model.StepWelcome,
	model.StepEmailRegistration:    model.StepWelcome,
	model.StepEmailVerification:    model.StepEmailRegistration,
	model.StepPhoneOTPVerification: model.StepPhoneVerification,
	model.StepEstateSelection:      model.StepLocationSetup,
	model.StepProfileSetup:         model.StepEstateSelection,
}

var loginPredecessors = map[model.Step]model.Step{
	model.StepEmailVerification: model.StepLogin,
	model.StepPhoneVerification: model.StepLogin,
}

func legal(from, to model.Step) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config wires a Machine
type Config struct {
	Draft     *Draft
	Session   *session.Store
	Email     EmailCodes
	Phone     PhoneCodes
	Federated Federated
	// Profiles is optional; without it the profile step completes locally
	Profiles       ProfileUpdater
	Navigator      Navigator
	Policy         FederatedPolicy
	ResendCooldown time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Recorder
}

// Machine sequences a visitor through the identity adapters and into
// location and profile completion. It owns transition legality; screens only
// call its actions. A failed action leaves the step and the draft as they were.
type Machine struct {
	draft     *Draft
	session   *session.Store
	email     EmailCodes
	phone     PhoneCodes
	federated Federated
	profiles  ProfileUpdater
	nav       Navigator
	policy    FederatedPolicy
	cooldown  time.Duration
	log       *zap.Logger
	metrics   *metrics.Recorder
	now       func() time.Time

	mu        sync.Mutex
	challenge *Challenge
	lastErr   error
}

func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Draft == nil || cfg.Session == nil {
		return nil, fmt.Errorf("onboarding machine requires a draft and a session store")
	}
	if cfg.Email == nil || cfg.Phone == nil || cfg.Federated == nil {
		return nil, fmt.Errorf("onboarding machine requires all identity adapters")
	}
	nav := cfg.Navigator
	if nav == nil {
		nav = NavigatorFunc(func(context.Context, Destination) error { return nil })
	}
	cooldown := cfg.ResendCooldown
	if cooldown < 0 {
		cooldown = 0
	}
	return &Machine{
		draft:     cfg.Draft,
		session:   cfg.Session,
		email:     cfg.Email,
		phone:     cfg.Phone,
		federated: cfg.Federated,
		profiles:  cfg.Profiles,
		nav:       nav,
		policy:    cfg.Policy,
		cooldown:  cooldown,
		log:       logger.OrNop(cfg.Logger),
		metrics:   cfg.Metrics,
		now:       time.Now,
	}, nil
}

// Step is the current step
func (m *Machine) Step() model.Step {
	return m.draft.Step()
}

// Draft returns a copy of the in-progress registration
func (m *Machine) Draft() model.OnboardingDraft {
	return m.draft.State()
}

// Err is the classified failure of the last action, or nil
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Challenge returns the outstanding code request, if any
func (m *Machine) Challenge() *Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.challenge
}

// act serializes actions and records their outcome
func (m *Machine) act(ctx context.Context, op string, allowed []model.Step, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	step := m.draft.Step()
	if len(allowed) > 0 && !containsStep(allowed, step) {
		err := model.Validationf(op, "not available on step %q", step)
		m.lastErr = err
		return err
	}
	err := fn(ctx)
	if err != nil {
		err = model.Classify(op, err)
		m.log.Info("onboarding action failed",
			zap.String("op", op),
			zap.String("step", string(step)),
			zap.String("kind", string(model.KindOf(err))))
	}
	m.lastErr = err
	return err
}

// advance moves to the next step if the transition is legal
func (m *Machine) advance(ctx context.Context, to model.Step) error {
	from := m.draft.Step()
	if !legal(from, to) {
		return model.Validationf("onboarding.advance", "illegal transition %s -> %s", from, to)
	}
	if err := m.draft.SetStep(ctx, to); err != nil {
		return err
	}
	m.metrics.Transition(string(from), string(to))
	m.log.Debug("onboarding step", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

func (m *Machine) purpose() model.Purpose {
	if m.draft.State().IsLoginMode {
		return model.PurposeLogin
	}
	return model.PurposeRegistration
}

// ChooseLogin enters the login branch
func (m *Machine) ChooseLogin(ctx context.Context) error {
	return m.act(ctx, "onboarding.choose_login", []model.Step{model.StepWelcome}, func(ctx context.Context) error {
		if err := m.draft.SetLoginMode(ctx, true); err != nil {
			return err
		}
		return m.advance(ctx, model.StepLogin)
	})
}

// ChooseRegistration enters the registration branch
func (m *Machine) ChooseRegistration(ctx context.Context) error {
	return m.act(ctx, "onboarding.choose_registration", []model.Step{model.StepWelcome}, func(ctx context.Context) error {
		if err := m.draft.SetLoginMode(ctx, false); err != nil {
			return err
		}
		return m.advance(ctx, model.StepEmailRegistration)
	})
}

// UsePhone switches the login branch to phone codes
func (m *Machine) UsePhone(ctx context.Context) error {
	return m.act(ctx, "onboarding.use_phone", []model.Step{model.StepLogin}, func(ctx context.Context) error {
		return m.advance(ctx, model.StepPhoneVerification)
	})
}

// SubmitEmail requests an email code for the current branch
func (m *Machine) SubmitEmail(ctx context.Context, email string) error {
	steps := []model.Step{model.StepLogin, model.StepEmailRegistration}
	return m.act(ctx, "onboarding.submit_email", steps, func(ctx context.Context) error {
		purpose := m.purpose()
		if err := m.email.RequestCode(ctx, email, purpose); err != nil {
			return err
		}
		m.challenge = newChallenge(email, purpose, model.ChannelEmail, m.cooldown, m.now())
		if err := m.draft.MergeUser(ctx, model.Profile{Email: email}); err != nil {
			return err
		}
		return m.advance(ctx, model.StepEmailVerification)
	})
}

// SubmitPhone requests a phone code over channel (sms by default)
func (m *Machine) SubmitPhone(ctx context.Context, phone string, channel model.Channel) error {
	return m.act(ctx, "onboarding.submit_phone", []model.Step{model.StepPhoneVerification}, func(ctx context.Context) error {
		normalized, err := m.phone.Normalize(phone)
		if err != nil {
			return err
		}
		if channel == "" {
			channel = model.ChannelSMS
		}
		purpose := m.purpose()
		if err := m.phone.RequestCode(ctx, normalized, purpose, channel); err != nil {
			return err
		}
		m.challenge = newChallenge(normalized, purpose, channel, m.cooldown, m.now())
		if err := m.draft.SetPhoneNumber(ctx, normalized); err != nil {
			return err
		}
		return m.advance(ctx, model.StepPhoneOTPVerification)
	})
}

// Resend re-requests the outstanding code once its cool-down has elapsed
func (m *Machine) Resend(ctx context.Context) error {
	steps := []model.Step{model.StepEmailVerification, model.StepPhoneOTPVerification}
	return m.act(ctx, "onboarding.resend", steps, func(ctx context.Context) error {
		const op = "onboarding.resend"
		now := m.now()
		if m.challenge == nil {
			// Challenges do not survive a reload; rebuild from the draft
			od := m.draft.State()
			if od.CurrentStep == model.StepEmailVerification {
				m.challenge = newChallenge(od.PartialUser.Email, m.purpose(), model.ChannelEmail, m.cooldown, now)
			} else {
				m.challenge = newChallenge(od.PhoneNumber, m.purpose(), model.ChannelSMS, m.cooldown, now)
			}
		} else if !m.challenge.allowResend(now) {
			return model.NewError(model.KindValidation, op,
				fmt.Sprintf("resend_too_soon: retry in %s", m.challenge.RetryAfter(now).Round(time.Second)))
		}

		c := m.challenge
		if c.Channel == model.ChannelEmail {
			return m.email.RequestCode(ctx, c.Target, c.Purpose)
		}
		return m.phone.RequestCode(ctx, c.Target, c.Purpose, c.Channel)
	})
}

// VerifyEmail submits the email code. Login mode completes the flow;
// registration establishes the session and continues to phone verification.
func (m *Machine) VerifyEmail(ctx context.Context, code string) error {
	return m.act(ctx, "onboarding.verify_email", []model.Step{model.StepEmailVerification}, func(ctx context.Context) error {
		od := m.draft.State()
		if od.IsLoginMode {
			if !m.session.LoginWithEmail(ctx, od.PartialUser.Email, code) {
				return m.session.Err()
			}
			m.challenge = nil
			return m.complete(ctx)
		}

		result, err := m.email.VerifyCode(ctx, od.PartialUser.Email, code, model.PurposeRegistration)
		if err != nil {
			return err
		}
		if err := m.session.Establish(ctx, model.ProviderLocal, result); err != nil {
			return err
		}
		m.challenge = nil
		if result.User != nil {
			if err := m.draft.MergeUser(ctx, profileOf(result.User)); err != nil {
				return err
			}
		}
		return m.advance(ctx, model.StepPhoneVerification)
	})
}

// VerifyPhone submits the phone code. Login mode completes the flow;
// registration records the verified number and continues to location setup.
func (m *Machine) VerifyPhone(ctx context.Context, code string) error {
	return m.act(ctx, "onboarding.verify_phone", []model.Step{model.StepPhoneOTPVerification}, func(ctx context.Context) error {
		od := m.draft.State()
		if od.IsLoginMode {
			if !m.session.LoginWithPhone(ctx, od.PhoneNumber, code) {
				return m.session.Err()
			}
			m.challenge = nil
			return m.complete(ctx)
		}

		result, err := m.phone.VerifyCode(ctx, od.PhoneNumber, code, model.PurposeRegistration)
		if err != nil {
			return err
		}
		if m.session.IsAuthenticated() {
			if result.User != nil {
				m.session.SetUser(result.User)
			}
		} else if err := m.session.Establish(ctx, model.ProviderPhone, result); err != nil {
			return err
		}
		m.challenge = nil
		if err := m.draft.MergeUser(ctx, model.Profile{Phone: od.PhoneNumber}); err != nil {
			return err
		}
		if u := m.session.Snapshot().User; u != nil && u.EstateID != "" {
			// Already onboarded; this was a phone re-verification
			return m.complete(ctx)
		}
		return m.advance(ctx, model.StepLocationSetup)
	})
}

// SetLocation records the chosen place
func (m *Machine) SetLocation(ctx context.Context, loc model.Location) error {
	return m.act(ctx, "onboarding.set_location", []model.Step{model.StepLocationSetup}, func(ctx context.Context) error {
		if loc.Country == "" && loc.City == "" && loc.Latitude == nil {
			return model.Validationf("onboarding.set_location", "a country, city or coordinates are required")
		}
		if err := m.draft.MergeLocation(ctx, loc); err != nil {
			return err
		}
		return m.advance(ctx, model.StepEstateSelection)
	})
}

// SelectEstate records the chosen estate
func (m *Machine) SelectEstate(ctx context.Context, estateID, estateName string) error {
	return m.act(ctx, "onboarding.select_estate", []model.Step{model.StepEstateSelection}, func(ctx context.Context) error {
		if estateID == "" {
			return model.Validationf("onboarding.select_estate", "estate is required")
		}
		if err := m.draft.MergeLocation(ctx, model.Location{EstateID: estateID, EstateName: estateName}); err != nil {
			return err
		}
		return m.advance(ctx, model.StepProfileSetup)
	})
}

// SubmitProfile sends the accumulated registration and completes the flow
func (m *Machine) SubmitProfile(ctx context.Context, profile model.Profile) error {
	return m.act(ctx, "onboarding.submit_profile", []model.Step{model.StepProfileSetup}, func(ctx context.Context) error {
		od := m.draft.State()
		merged := od.PartialUser
		merged.Merge(profile)
		if merged.FirstName == "" {
			return model.Validationf("onboarding.submit_profile", "first name is required")
		}

		if m.profiles != nil {
			snap := m.session.Snapshot()
			if !snap.IsAuthenticated() {
				return model.NewError(model.KindUnauthorized, "onboarding.submit_profile", "no session")
			}
			user, err := m.profiles.UpdateProfile(ctx, snap.AccessToken, merged, od.LocationData)
			if err != nil {
				return err
			}
			m.session.SetUser(user)
		}
		if err := m.draft.MergeUser(ctx, profile); err != nil {
			return err
		}
		return m.complete(ctx)
	})
}

// SignInWithGoogle exchanges a federated identity token and routes the user
// according to the returned flags and the machine's FederatedPolicy
func (m *Machine) SignInWithGoogle(ctx context.Context, idToken string) error {
	steps := []model.Step{model.StepWelcome, model.StepLogin, model.StepEmailRegistration}
	return m.act(ctx, "onboarding.sign_in_google", steps, func(ctx context.Context) error {
		result, err := m.federated.SignIn(ctx, idToken)
		if err != nil {
			return err
		}
		if err := m.session.Establish(ctx, model.ProviderGoogle, result); err != nil {
			return err
		}

		phoneVerified := result.User != nil && result.User.PhoneVerified
		onboard := result.IsNewUser || result.RequiresOnboarding
		if !onboard && (phoneVerified || m.policy == PolicyTrustProvider) {
			return m.complete(ctx)
		}

		if err := m.draft.SetLoginMode(ctx, false); err != nil {
			return err
		}
		if result.User != nil {
			if err := m.draft.MergeUser(ctx, profileOf(result.User)); err != nil {
				return err
			}
		}
		if !phoneVerified {
			return m.advance(ctx, model.StepPhoneVerification)
		}
		return m.advance(ctx, model.StepLocationSetup)
	})
}

// Back returns to the previous step where that is meaningful
func (m *Machine) Back(ctx context.Context) error {
	return m.act(ctx, "onboarding.back", nil, func(ctx context.Context) error {
		od := m.draft.State()
		prev, ok := predecessors[od.CurrentStep]
		if od.IsLoginMode {
			if p, lok := loginPredecessors[od.CurrentStep]; lok {
				prev, ok = p, true
			}
		}
		if !ok {
			return model.Validationf("onboarding.back", "cannot go back from %q", od.CurrentStep)
		}
		m.challenge = nil
		return m.advance(ctx, prev)
	})
}

// Abandon discards the draft and returns to the entry point. An established
// session is left alone.
func (m *Machine) Abandon(ctx context.Context) error {
	return m.act(ctx, "onboarding.abandon", nil, func(ctx context.Context) error {
		m.challenge = nil
		if err := m.draft.Reset(ctx); err != nil {
			return err
		}
		return m.nav.Navigate(ctx, DestinationWelcome)
	})
}

// complete finishes onboarding: the session is already written, so the draft
// is cleared and only then does the user leave for the dashboard
func (m *Machine) complete(ctx context.Context) error {
	const op = "onboarding.complete"
	from := m.draft.Step()
	if !legal(from, model.StepComplete) {
		return model.Validationf(op, "illegal transition %s -> %s", from, model.StepComplete)
	}
	if !m.session.IsAuthenticated() {
		return model.NewError(model.KindUnauthorized, op, "no session to complete onboarding with")
	}
	if err := m.draft.Reset(ctx); err != nil {
		return err
	}
	m.metrics.Transition(string(from), string(model.StepComplete))
	m.log.Info("onboarding complete", zap.String("from", string(from)))

	if err := m.nav.Navigate(ctx, DestinationDashboard); err != nil {
		return fmt.Errorf("navigate to dashboard: %w", err)
	}
	return nil
}

func profileOf(u *model.User) model.Profile {
	return model.Profile{
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		Phone:     u.Phone,
		AvatarURL: u.AvatarURL,
	}
}

func containsStep(steps []model.Step, s model.Step) bool {
	for _, v := range steps {
		if v == s {
			return true
		}
	}
	return false
}
