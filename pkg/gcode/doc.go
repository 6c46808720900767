// Package gcode parses G-code text and statically checks command batches
// against printer safety profiles.
//
// # Overview
//
// Two layers:
//
//   - ParseLine / ParseScript: tokenise raw G-code into Commands with a
//     canonical code ("G1", "M104") and a letter->value parameter map.
//     Semicolon comments, parenthesised comments, N line numbers, and
//     "*" checksums are stripped.
//
//   - Analyze: walk a parsed batch and classify each command. Firmware
//     settings writes (M500, M502, M575, M997) and set-temperature
//     commands above the profile ceilings (M104/M109 hotend, M140/M190
//     bed) become blocking Violations. Moves below the bed and extreme
//     feedrates become advisory Warnings that never block.
//
// The safety gate consumes Analyze results before any bytes reach an
// adapter; the serial adapter reuses ParseLine when splitting batches
// for transmission. MaxBatchLines is the per-call command cap the gate
// enforces.
//
// # Usage
//
//	result := gcode.Analyze("M140 S60\nM104 S210\nG28", profile)
//	if !result.OK() {
//		return result.BlockedCommands()
//	}
//	for _, w := range result.Warnings {
//		log.Warn().Str("warning", w).Msg("advisory")
//	}
//
// Analysis is purely lexical: no flow control, no macro expansion, no
// modal state. A command the parser cannot read is forwarded untouched,
// so unknown vendor codes pass through rather than failing the batch.
package gcode
