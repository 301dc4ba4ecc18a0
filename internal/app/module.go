package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/ambetz/vipgate/internal/app/api/server"
	"github.com/ambetz/vipgate/internal/app/service/access"
	"github.com/ambetz/vipgate/internal/app/service/eventlog"
	"github.com/ambetz/vipgate/internal/app/service/lifecycle"
	"github.com/ambetz/vipgate/internal/app/service/statistics"
	"github.com/ambetz/vipgate/internal/app/service/store"
	"github.com/ambetz/vipgate/internal/app/service/telegram"
	"github.com/ambetz/vipgate/internal/app/service/validator"
	"github.com/ambetz/vipgate/internal/app/sweeper"
	"github.com/ambetz/vipgate/internal/platform/db"
	"github.com/ambetz/vipgate/internal/platform/stripegw"
	"github.com/ambetz/vipgate/pkg/config"
	"github.com/ambetz/vipgate/pkg/logger"
	"github.com/ambetz/vipgate/pkg/metrics"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	metrics.Module,
	stripegw.Module,
	store.Module,
	validator.Module,
	lifecycle.Module,
	access.Module,
	telegram.Module,
	eventlog.Module,
	statistics.Module,
	sweeper.Module,
	server.Module,
)
