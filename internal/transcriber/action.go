package transcriber

import "github.com/yok-tottii/EzS2T-Stream/internal/models"

// Action is one unit of work for the engine loop
type Action interface {
	isAction()
}

// ModelChange asks the engine to load or release a model
type ModelChange struct {
	Request models.ChangeRequest
}

// DataReady signals that the buffer holds enough audio or the producer stopped
type DataReady struct{}

func (ModelChange) isAction() {}
func (DataReady) isAction()   {}
