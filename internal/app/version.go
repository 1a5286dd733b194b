package app

// Version is the release of the garagechat binaries. Release builds override
// it with -ldflags "-X garagechat/internal/app.Version=...".
var Version = "0.1.0-dev"
