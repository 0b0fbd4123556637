package common

import (
	"github.com/ternarybob/banner"
)

// PrintBanner displays the startup banner with version and environment.
func PrintBanner(version, environment string) {
	b := banner.New()
	b.PrintTopLine()
	b.PrintCenteredText("Vectorpress")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 12)
	b.PrintKeyValue("Environment", environment, 12)
	b.PrintBottomLine()
}
