package providers

import (
	"github.com/smallbiznis/dunning/internal/providers/email"
	"github.com/smallbiznis/dunning/internal/providers/twilio"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	twilio.Module,
)
