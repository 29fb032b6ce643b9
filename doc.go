// Package gcalnotify provides a Google Calendar change notification service.
//
// gcalnotify watches Google Calendars using the Calendar API push channels
// and incremental sync tokens, classifies every changed event as created,
// updated or deleted against a local snapshot, and delivers a rendered
// notification to Discord, Amazon EventBridge or a local file.
//
// # Architecture
//
// The package consists of these main components:
//
//   - [App]: Core application that wires the components and serves the webhook
//   - [EventSource]: Remote calendar access (incremental listing and push channels)
//   - [Storage]: Sync cursors, event snapshots and subscriptions
//     (DynamoDB, file, PostgreSQL or SQLite)
//   - [Syncer]: Incremental sync that classifies changes and commits the cursor after apply
//   - [SubscriptionManager]: Keeps one live push channel per calendar
//   - [AsyncDispatcher]: Bounded queue that renders and delivers notifications
//   - [Notification]: Delivery to downstream systems (Discord, EventBridge or file)
//
// # Usage
//
// For CLI usage, create a [CLI] instance and call Run:
//
//	var cli gcalnotify.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// For programmatic usage, create an [App] instance:
//
//	storage, _ := gcalnotify.NewStorage(ctx, storageOption)
//	notification, _ := gcalnotify.NewNotification(ctx, notificationOption)
//	app, _ := gcalnotify.New(appOption, storage, notification)
//	defer app.Close()
//
// # Sync semantics
//
// The first sync of a calendar (no stored cursor) builds the snapshot silently.
// Later syncs notify once per effective change. When Google invalidates a sync
// token (HTTP 410), the cursor is cleared and a full resync diffs against the
// existing snapshot, so only real changes are notified.
//
// # Deployment Modes
//
// gcalnotify supports multiple deployment modes:
//   - Local HTTP server with built-in renewal and sync timers
//   - AWS Lambda with Function URL or API Gateway (via [github.com/fujiwara/ridge])
//   - Scheduled Lambda invocations of the sync and renew commands
package gcalnotify
