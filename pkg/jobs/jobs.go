// Package jobs holds the concrete job handlers. Each handler composes
// the injected core services; none reach around them to shared state.
package jobs

import (
	"log/slog"

	"github.com/teacurran/village-homepage/pkg/aibudget"
	"github.com/teacurran/village-homepage/pkg/clock"
	"github.com/teacurran/village-homepage/pkg/directory"
	"github.com/teacurran/village-homepage/pkg/flags"
	"github.com/teacurran/village-homepage/pkg/gateway"
	"github.com/teacurran/village-homepage/pkg/handler"
	"github.com/teacurran/village-homepage/pkg/jobqueue"
	"github.com/teacurran/village-homepage/pkg/marketplace"
	"github.com/teacurran/village-homepage/pkg/ratelimit"
	"github.com/teacurran/village-homepage/pkg/screenshot"
	"github.com/teacurran/village-homepage/pkg/user"
)

// Job type names. These appear in the jobs table and in metrics labels;
// they are operational contracts.
const (
	TypeScreenshotCapture = "screenshot_capture"
	TypeLinkHealthCheck   = "link_health_check"
	TypeRankRecalc        = "rank_recalculation"
	TypeListingExpiration = "listing_expiration"
	TypeListingReminder   = "listing_reminder"
	TypeEmailSend         = "email_send"
	TypeInboundEmailPoll  = "inbound_email_poll"
	TypeModeratorNotify   = "moderator_notify"
	TypeAISummarize       = "ai_summarize"
	TypeRSSSweep          = "rss_refresh_sweep"
	TypeRSSFetch          = "rss_refresh"
	TypeWeatherRefresh    = "weather_refresh"
	TypeStockRefresh      = "stock_refresh"
	TypeSocialRefresh     = "social_refresh"
	TypeSitemapGeneration = "sitemap_generation"
	TypeGDPRExportSweep   = "gdpr_export_sweep"
	TypeFlagEvalRetention = "flag_eval_retention"
	TypeViolationPrune    = "violation_prune"
)

// Deps carries every service a handler may need.
type Deps struct {
	Queue       *jobqueue.Queue
	Directory   *directory.Service
	Marketplace *marketplace.Service
	Flags       *flags.Service
	Violations  *ratelimit.ViolationLog
	Budget      *aibudget.Governor
	Coordinator *screenshot.Coordinator
	Fetcher     gateway.HTTPFetcher
	ObjectStore gateway.ObjectStore
	AI          gateway.AIClient
	Mailer      gateway.Mailer
	IMAP        gateway.IMAPFetcher
	Notifier    gateway.ModeratorNotifier
	Exports     *user.ExportService
	Clock       clock.Clock
	AIProvider  string
	Logger      *slog.Logger
}

// RegisterAll wires every handler into the registry. Called once at
// startup; a broken declaration stops the process.
func RegisterAll(reg *handler.Registry, d Deps) {
	reg.MustRegister(
		&screenshotCapture{d},
		&linkHealthCheck{d},
		&rankRecalc{d},
		&listingExpiration{d},
		&listingReminder{d},
		&emailSend{d},
		&inboundEmailPoll{d},
		&moderatorNotify{d},
		&aiSummarize{d},
		&rssSweep{d},
		&rssFetch{d},
		&feedRefresh{deps: d, jobType: TypeWeatherRefresh},
		&feedRefresh{deps: d, jobType: TypeStockRefresh},
		&feedRefresh{deps: d, jobType: TypeSocialRefresh},
		&sitemapGeneration{d},
		&gdprExportSweep{d},
		&flagEvalRetention{d},
		&violationPrune{d},
	)
}
