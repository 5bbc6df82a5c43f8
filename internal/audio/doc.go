// Package audio assembles validated segment WAVs into the published
// episode. ffmpeg and ffprobe run as subprocesses behind the Runner
// interface; WAV headers and MP3 frames are read directly when the tools
// cannot answer.
package audio
