package main

// Compiled-in modules. Each import registers itself via init().
import (
	_ "github.com/flemzord/lanlink/internal/connmgr"
	_ "github.com/flemzord/lanlink/internal/discovery"
	_ "github.com/flemzord/lanlink/internal/gateway"
	_ "github.com/flemzord/lanlink/internal/identity"
	_ "github.com/flemzord/lanlink/internal/maintenance"
	_ "github.com/flemzord/lanlink/internal/tracing"
	_ "github.com/flemzord/lanlink/internal/trust"

	_ "github.com/flemzord/lanlink/plugins/battery"
	_ "github.com/flemzord/lanlink/plugins/clipboard"
	_ "github.com/flemzord/lanlink/plugins/findmyphone"
	_ "github.com/flemzord/lanlink/plugins/notification"
	_ "github.com/flemzord/lanlink/plugins/ping"
	_ "github.com/flemzord/lanlink/plugins/share"
)
