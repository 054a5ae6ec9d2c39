package listapi

// Settings toggle provider-side behavior and are sent with every request.
type Settings struct {
	// DoubleOptIn makes the provider send a confirmation email before subscribing.
	DoubleOptIn bool `json:"doubleOptIn"`
	// SendWelcome sends a welcome email once a subscription is confirmed.
	SendWelcome bool `json:"sendWelcome"`
	// UpdateExisting overwrites an existing member instead of failing.
	UpdateExisting bool `json:"updateExisting"`
	// DeleteMember deletes the member on unsubscribe instead of archiving it.
	DeleteMember bool `json:"deleteMember"`
	// SendGoodbye sends a goodbye email on unsubscribe.
	SendGoodbye bool `json:"sendGoodbye"`
	// SendNotify notifies the list owner on unsubscribe.
	SendNotify bool `json:"sendNotify"`
}

// DefaultSettings returns the settings used when nothing is overridden.
func DefaultSettings() Settings {
	return Settings{
		DoubleOptIn:    false,
		SendWelcome:    true,
		UpdateExisting: true,
		DeleteMember:   false,
		SendGoodbye:    true,
		SendNotify:     true,
	}
}

// Overrides replaces individual settings. A nil field keeps the value it is applied to.
type Overrides struct {
	DoubleOptIn    *bool
	SendWelcome    *bool
	UpdateExisting *bool
	DeleteMember   *bool
	SendGoodbye    *bool
	SendNotify     *bool
}

// Apply returns s with every non-nil override set.
func (o Overrides) Apply(s Settings) Settings {
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&s.DoubleOptIn, o.DoubleOptIn)
	set(&s.SendWelcome, o.SendWelcome)
	set(&s.UpdateExisting, o.UpdateExisting)
	set(&s.DeleteMember, o.DeleteMember)
	set(&s.SendGoodbye, o.SendGoodbye)
	set(&s.SendNotify, o.SendNotify)
	return s
}

// Merge returns o with the non-nil fields of other taking precedence.
func (o Overrides) Merge(other Overrides) Overrides {
	pick := func(a, b *bool) *bool {
		if b != nil {
			return b
		}
		return a
	}
	return Overrides{
		DoubleOptIn:    pick(o.DoubleOptIn, other.DoubleOptIn),
		SendWelcome:    pick(o.SendWelcome, other.SendWelcome),
		UpdateExisting: pick(o.UpdateExisting, other.UpdateExisting),
		DeleteMember:   pick(o.DeleteMember, other.DeleteMember),
		SendGoodbye:    pick(o.SendGoodbye, other.SendGoodbye),
		SendNotify:     pick(o.SendNotify, other.SendNotify),
	}
}
