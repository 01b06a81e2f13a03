package protocol

import "fmt"

// Component ids seen in Mass Effect 3 traffic.
const (
	ComponentAuthentication   uint16 = 0x0001
	ComponentGameManager      uint16 = 0x0004
	ComponentRedirector       uint16 = 0x0005
	ComponentStats            uint16 = 0x0007
	ComponentUtil             uint16 = 0x0009
	ComponentMessaging        uint16 = 0x000F
	ComponentAssociationLists uint16 = 0x0019
	ComponentGameReporting    uint16 = 0x001C
	ComponentUserSessions     uint16 = 0x7802
)

// CommandGetServerInstance asks the redirector for the main server address.
const CommandGetServerInstance uint16 = 0x0001

var componentNames = map[uint16]string{
	ComponentAuthentication:   "Authentication",
	ComponentGameManager:      "GameManager",
	ComponentRedirector:       "Redirector",
	ComponentStats:            "Stats",
	ComponentUtil:             "Util",
	ComponentMessaging:        "Messaging",
	ComponentAssociationLists: "AssociationLists",
	ComponentGameReporting:    "GameReporting",
	ComponentUserSessions:     "UserSessions",
}

type commandKey struct{ component, command uint16 }

var commandNames = map[commandKey]string{
	{ComponentRedirector, CommandGetServerInstance}: "GetServerInstance",

	{ComponentUtil, 0x0001}: "FetchClientConfig",
	{ComponentUtil, 0x0002}: "Ping",
	{ComponentUtil, 0x0003}: "SetClientData",
	{ComponentUtil, 0x0004}: "LocalizeStrings",
	{ComponentUtil, 0x0005}: "GetTelemetryServer",
	{ComponentUtil, 0x0006}: "GetTickerServer",
	{ComponentUtil, 0x0007}: "PreAuth",
	{ComponentUtil, 0x0008}: "PostAuth",
	{ComponentUtil, 0x000A}: "UserSettingsLoad",
	{ComponentUtil, 0x000B}: "UserSettingsSave",
	{ComponentUtil, 0x000C}: "UserSettingsLoadAll",
	{ComponentUtil, 0x0016}: "SetClientMetrics",

	{ComponentAuthentication, 0x001D}: "ListUserEntitlements2",
	{ComponentAuthentication, 0x0024}: "GetAuthToken",
	{ComponentAuthentication, 0x0028}: "Login",
	{ComponentAuthentication, 0x0032}: "SilentLogin",
	{ComponentAuthentication, 0x0046}: "Logout",
	{ComponentAuthentication, 0x006E}: "LoginPersona",
	{ComponentAuthentication, 0x0098}: "OriginLogin",
}

// ComponentName returns a readable component name.
func ComponentName(component uint16) string {
	if name, ok := componentNames[component]; ok {
		return name
	}
	return fmt.Sprintf("Component(0x%04x)", component)
}

// CommandName returns "Component.Command", falling back to hex for
// commands without a known name.
func CommandName(component, command uint16) string {
	if name, ok := commandNames[commandKey{component, command}]; ok {
		return ComponentName(component) + "." + name
	}
	return fmt.Sprintf("%s.0x%04x", ComponentName(component), command)
}
