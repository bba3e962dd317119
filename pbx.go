// Package pbx bridges PBX telephone calls to a conversational AI pipeline.
//
// A call is placed through a signaling backend, the switch streams the call's
// audio to this process, and every utterance is transcribed, answered by a
// language model and spoken back into the call:
//   - callsystem.Signaling: call origination and audio stream control
//     (FreeSWITCH event socket, Twilio REST)
//   - transport.Stream: call audio over framed TCP (AudioSocket), raw PCM
//     WebSocket (mod_audio_stream) and Twilio Media Streams
//   - session.Registry: one state machine per live call
//   - pipeline.Pipeline: speech-to-text, response generation, text-to-speech
//
// # Installation
//
//	go install github.com/agentplexus/omnivoice-pbx/cmd/omnivoice-pbx@latest
//
// # Environment Variables
//
//	OMNIVOICE_PBX_SIGNALING_ESL_PASSWORD - FreeSWITCH event socket password
//	OMNIVOICE_PBX_LLM_API_KEY            - Response model API key
//	TWILIO_ACCOUNT_SID                   - Twilio Account SID (twilio backend)
//	TWILIO_AUTH_TOKEN                    - Twilio Auth Token (twilio backend)
//
// # Quick Start
//
//	omnivoice-pbx serve --config pbx.yaml
//	omnivoice-pbx dial --config pbx.yaml --to +60123456789 --persona sales
package pbx

// Version is the release version.
const Version = "0.1.0"

// Name identifies this bridge to switches and provider APIs.
const Name = "omnivoice-pbx"

// Signaling backend names.
const (
	BackendESL    = "esl"
	BackendTwilio = "twilio"
)

// Audio stream protocol names.
const (
	ProtocolAudioSocket  = "audiosocket"
	ProtocolAudioStream  = "audiostream"
	ProtocolMediaStreams = "twilio-media-streams"
)

// UserAgent returns the User-Agent sent to provider APIs.
func UserAgent() string {
	return Name + "/" + Version
}
