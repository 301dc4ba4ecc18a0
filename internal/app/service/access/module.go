package access

import (
	"go.uber.org/fx"

	"github.com/ambetz/vipgate/internal/app/service/lifecycle"
)

var Module = fx.Options(
	fx.Provide(
		fx.Annotate(New, fx.As(new(lifecycle.AccessNotifier))),
	),
)
