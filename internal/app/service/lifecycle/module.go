package lifecycle

import (
	"go.uber.org/fx"

	"github.com/ambetz/vipgate/internal/platform/stripegw"
)

var Module = fx.Options(
	fx.Provide(
		func(gw *stripegw.Gateway) Gateway { return gw },
		New,
	),
)
