package access

import "context"

// topicResources maps live-push subscription topics to the resource type
// whose read access they require.
var topicResources = map[string]string{
	"appointments":  ResourceAppointment,
	"patients":      ResourcePatientRecord,
	"billing":       ResourceBilling,
	"clinical":      ResourceTreatmentPlan,
	"notifications": ResourceNotification,
}

// CanReadTopic reports whether the role may subscribe to the topic. It
// delegates to Evaluate so subscription checks share the single
// authorization path (and its audit entry).
func (g *Gate) CanReadTopic(ctx context.Context, userID, role, topic string) bool {
	resourceType, ok := topicResources[topic]
	if !ok {
		return false
	}
	decision := g.Evaluate(ctx, Request{
		UserID:       userID,
		Role:         role,
		ResourceType: resourceType,
		Purpose:      "subscribe:" + topic,
	})
	return decision.Granted
}

// KnownTopic reports whether the topic exists at all.
func KnownTopic(topic string) bool {
	_, ok := topicResources[topic]
	return ok
}
