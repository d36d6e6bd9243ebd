package dispatch

import (
	"fmt"
	"strings"

	"push-server/internal/model"
	"push-server/internal/trigger"
)

// Default price-change wording for events that carry no message of their own.
const (
	defaultPriceChangeTitle = "#pair#"
	defaultPriceChangeBody  = "#direction# #change# to #to_price#"
)

// FormatChange renders a percentage with an explicit sign: "+8.00%".
func FormatChange(pct float64) string {
	return fmt.Sprintf("%+.2f%%", pct)
}

// FormatPrice renders a rate as a dollar amount: "$108.00".
func FormatPrice(rate float64) string {
	return fmt.Sprintf("$%.2f", rate)
}

// PriceChangeMessage fills the #direction#, #change#, #to_price# and #pair#
// placeholders of msg. A nil msg selects the default wording.
func PriceChangeMessage(msg *model.PushMessage, t model.Trigger, pc *trigger.PriceChange) model.PushMessage {
	out := model.PushMessage{Title: defaultPriceChangeTitle, Body: defaultPriceChangeBody}
	if msg != nil {
		out = *msg
	}
	r := strings.NewReplacer(
		"#direction#", pc.Direction,
		"#change#", FormatChange(pc.Percent),
		"#to_price#", FormatPrice(pc.Now),
		"#pair#", t.Pair(),
	)
	out.Title = r.Replace(out.Title)
	out.Body = r.Replace(out.Body)
	if len(out.Data) > 0 {
		data := make(map[string]string, len(out.Data))
		for k, v := range out.Data {
			data[k] = r.Replace(v)
		}
		out.Data = data
	}
	return out
}
