package telegram

import (
	"go.uber.org/fx"

	"github.com/ambetz/vipgate/internal/app/service/access"
)

var Module = fx.Options(
	fx.Provide(
		New,
		func(s *Service) access.ChatAPI { return s },
	),
)
