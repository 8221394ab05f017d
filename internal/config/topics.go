package config

const (
	// TopicIngestMaterial carries material ingestion tasks (download, extract, chunk, embed).
	TopicIngestMaterial = "ingest.material"

	// TopicContentGenerate carries one generation request per content type per batch.
	TopicContentGenerate = "content.generate"

	// TopicContentOrchestrate carries orchestration requests for a course week.
	TopicContentOrchestrate = "content.orchestrate"

	// ChannelBackend is the consumer channel used by this service.
	ChannelBackend = "backend"
)

// Topics lists every topic pre-created at bootstrap.
var Topics = []string{TopicIngestMaterial, TopicContentGenerate, TopicContentOrchestrate}
