package events

// Каналы брокера, в которые ретранслируются события по пространству имен типа
var namespaceChannels = map[string]string{
	"escrow":       "events:escrow",
	"bank":         "events:bank",
	"tax":          "events:tax",
	"invoice":      "events:invoice",
	"expense":      "events:expense",
	"ledger":       "events:ledger",
	"insight":      "events:insight",
	"notification": "events:notification",
}

// ChannelFor возвращает канал брокера для типа события.
// Неизвестные пространства имен получают канал events:<prefix>.
func ChannelFor(eventType string) string {
	ns := Namespace(eventType)
	if ch, ok := namespaceChannels[ns]; ok {
		return ch
	}
	return "events:" + ns
}

// KnownChannels возвращает все каналы из таблицы маршрутизации
func KnownChannels() []string {
	result := make([]string, 0, len(namespaceChannels))
	for _, ns := range []string{"escrow", "bank", "tax", "invoice", "expense", "ledger", "insight", "notification"} {
		result = append(result, namespaceChannels[ns])
	}
	return result
}
