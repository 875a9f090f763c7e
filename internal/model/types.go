package model

import (
	"time"
)

// AuthProvider tags which identity path established the current session
type AuthProvider string

const (
	ProviderNone   AuthProvider = ""
	ProviderLocal  AuthProvider = "local"
	ProviderPhone  AuthProvider = "phone"
	ProviderGoogle AuthProvider = "google"
)

// Purpose distinguishes a login code from a registration code
type Purpose string

const (
	PurposeLogin        Purpose = "login"
	PurposeRegistration Purpose = "registration"
)

// Valid reports whether p is one of the known purposes
func (p Purpose) Valid() bool {
	return p == PurposeLogin || p == PurposeRegistration
}

// Channel is the delivery channel of a one-time code
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
)

// User is the resolved identity returned by the identity service
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	FirstName     string `json:"firstName,omitempty"`
	LastName      string `json:"lastName,omitempty"`
	AvatarURL     string `json:"avatarUrl,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
	PhoneVerified bool   `json:"phoneVerified"`
	EstateID      string `json:"estateId,omitempty"`
}

// Tokens is the long-lived credential pair
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Session is the durable authentication state of this device.
// AccessToken is non-empty iff the device is authenticated.
type Session struct {
	AccessToken     string
	RefreshToken    string
	User            *User
	AuthProvider    AuthProvider
	AccessExpiresAt *time.Time
	IsLoading       bool
	IsInitialized   bool
}

// IsAuthenticated is the presentation-layer predicate
func (s Session) IsAuthenticated() bool {
	return s.AccessToken != ""
}

// IdentityResult is the normalized success payload of an identity adapter.
// It is never stored as-is; callers distribute its fields into Session and OnboardingDraft.
type IdentityResult struct {
	UserID             string
	Tokens             *Tokens
	User               *User
	IsNewUser          bool
	RequiresOnboarding bool
}

// Profile accumulates the user's registration details during onboarding
type Profile struct {
	FirstName string            `json:"firstName,omitempty"`
	LastName  string            `json:"lastName,omitempty"`
	Email     string            `json:"email,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Gender    string            `json:"gender,omitempty"`
	BirthDate string            `json:"birthDate,omitempty"`
	AvatarURL string            `json:"avatarUrl,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Merge copies every non-empty field of partial into p. Existing fields are
// only overwritten by non-empty values, never cleared.
func (p *Profile) Merge(partial Profile) {
	mergeString(&p.FirstName, partial.FirstName)
	mergeString(&p.LastName, partial.LastName)
	mergeString(&p.Email, partial.Email)
	mergeString(&p.Phone, partial.Phone)
	mergeString(&p.Gender, partial.Gender)
	mergeString(&p.BirthDate, partial.BirthDate)
	mergeString(&p.AvatarURL, partial.AvatarURL)
	if len(partial.Extra) > 0 {
		if p.Extra == nil {
			p.Extra = make(map[string]string, len(partial.Extra))
		}
		for k, v := range partial.Extra {
			if v != "" {
				p.Extra[k] = v
			}
		}
	}
}

// Location is the chosen place and estate of a registering user
type Location struct {
	Country    string   `json:"country,omitempty"`
	State      string   `json:"state,omitempty"`
	City       string   `json:"city,omitempty"`
	Address    string   `json:"address,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	EstateID   string   `json:"estateId,omitempty"`
	EstateName string   `json:"estateName,omitempty"`
}

// Merge copies every set field of partial into l
func (l *Location) Merge(partial Location) {
	mergeString(&l.Country, partial.Country)
	mergeString(&l.State, partial.State)
	mergeString(&l.City, partial.City)
	mergeString(&l.Address, partial.Address)
	mergeString(&l.EstateID, partial.EstateID)
	mergeString(&l.EstateName, partial.EstateName)
	if partial.Latitude != nil {
		lat := *partial.Latitude
		l.Latitude = &lat
	}
	if partial.Longitude != nil {
		lng := *partial.Longitude
		l.Longitude = &lng
	}
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// Step is one enumerated state of the onboarding flow
type Step string

const (
	StepWelcome              Step = "welcome"
	StepLogin                Step = "login"
	StepEmailRegistration    Step = "email-registration"
	StepEmailVerification    Step = "email-verification"
	StepPhoneVerification    Step = "phone-verification"
	StepPhoneOTPVerification Step = "phone-otp-verification"
	StepLocationSetup        Step = "location-setup"
	StepEstateSelection      Step = "estate-selection"
	StepProfileSetup         Step = "profile-setup"
	StepComplete             Step = "complete"
)

// Steps lists every step in flow order
var Steps = []Step{
	StepWelcome,
	StepLogin,
	StepEmailRegistration,
	StepEmailVerification,
	StepPhoneVerification,
	StepPhoneOTPVerification,
	StepLocationSetup,
	StepEstateSelection,
	StepProfileSetup,
	StepComplete,
}

// Valid reports whether s is one of the enumerated steps
func (s Step) Valid() bool {
	for _, step := range Steps {
		if s == step {
			return true
		}
	}
	return false
}

// OnboardingDraft is the in-progress, not yet committed registration state
type OnboardingDraft struct {
	CurrentStep  Step     `json:"currentStep"`
	PartialUser  Profile  `json:"partialUser"`
	PhoneNumber  string   `json:"phoneNumber,omitempty"`
	LocationData Location `json:"locationData"`
	IsLoginMode  bool     `json:"isLoginMode"`
}

// NewOnboardingDraft returns an empty draft positioned at the welcome step
func NewOnboardingDraft() OnboardingDraft {
	return OnboardingDraft{CurrentStep: StepWelcome}
}
